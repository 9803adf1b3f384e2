package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
)

// Logger 日志记录器接口
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

// ZapLoggerComponent 基于 zap 的日志组件，启动后替换全局 logger
type ZapLoggerComponent struct {
	*core.BaseComponent
	config    *LoggingConfig
	zapLogger *zap.Logger
}

func NewZapLoggerComponent(cfg *LoggingConfig) *ZapLoggerComponent {
	cfg.applyDefaults()
	return &ZapLoggerComponent{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_LOGGING),
		config:        cfg,
	}
}

func (lc *ZapLoggerComponent) Start(ctx context.Context) error {
	if err := lc.BaseComponent.Start(ctx); err != nil {
		return err
	}
	ws, err := lc.buildWriteSyncer()
	if err != nil {
		return fmt.Errorf("failed to create write syncer: %w", err)
	}
	zcore := zapcore.NewCore(lc.buildEncoder(), ws, parseLevel(lc.config.Level))
	lc.zapLogger = zap.New(zcore, zap.AddCaller(), zap.AddCallerSkip(3), zap.AddStacktrace(zapcore.ErrorLevel))
	SetGlobalLogger(lc)

	lc.Info(ctx, "zap logger started",
		zap.String("level", lc.config.Level),
		zap.String("format", lc.config.Format),
		zap.String("output", lc.config.Output),
	)
	return nil
}

func (lc *ZapLoggerComponent) Stop(ctx context.Context) error {
	if lc.zapLogger != nil {
		_ = lc.zapLogger.Sync()
	}
	SetGlobalLogger(&noopLogger{})
	return lc.BaseComponent.Stop(ctx)
}

func (lc *ZapLoggerComponent) HealthCheck() error {
	if err := lc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if lc.zapLogger == nil {
		return fmt.Errorf("zap logger is not initialized")
	}
	return nil
}

func (lc *ZapLoggerComponent) buildEncoder() zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if lc.config.Format == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func (lc *ZapLoggerComponent) buildWriteSyncer() (zapcore.WriteSyncer, error) {
	switch strings.ToLower(lc.config.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "file":
		if err := os.MkdirAll(lc.config.FileConfig.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return lc.fileSyncer(filepath.Join(lc.config.FileConfig.Dir, lc.config.FileConfig.Filename+".log"))
	default:
		return lc.fileSyncer(lc.config.Output)
	}
}

func (lc *ZapLoggerComponent) fileSyncer(path string) (zapcore.WriteSyncer, error) {
	if rc := lc.config.RotateConfig; rc != nil && rc.Enabled {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    rc.MaxSizeMB,
			MaxBackups: rc.MaxBackups,
			MaxAge:     rc.MaxAgeDays,
			Compress:   rc.Compress,
			LocalTime:  true,
		}), nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (lc *ZapLoggerComponent) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	lc.log(ctx, zapcore.DebugLevel, msg, fields)
}
func (lc *ZapLoggerComponent) Info(ctx context.Context, msg string, fields ...zap.Field) {
	lc.log(ctx, zapcore.InfoLevel, msg, fields)
}
func (lc *ZapLoggerComponent) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	lc.log(ctx, zapcore.WarnLevel, msg, fields)
}
func (lc *ZapLoggerComponent) Error(ctx context.Context, msg string, fields ...zap.Field) {
	lc.log(ctx, zapcore.ErrorLevel, msg, fields)
}

func (lc *ZapLoggerComponent) With(fields ...zap.Field) Logger {
	return &ZapLoggerComponent{
		BaseComponent: lc.BaseComponent,
		config:        lc.config,
		zapLogger:     lc.zapLogger.With(fields...),
	}
}

func (lc *ZapLoggerComponent) Sync() error {
	if lc.zapLogger != nil {
		return lc.zapLogger.Sync()
	}
	return nil
}

func (lc *ZapLoggerComponent) log(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	if lc.zapLogger == nil {
		return
	}
	all := make([]zap.Field, 0, len(fields)+1)
	all = append(all, zap.String(consts.KEY_TraceID, traceIDFrom(ctx)))
	all = append(all, fields...)
	if ce := lc.zapLogger.Check(level, msg); ce != nil {
		ce.Write(all...)
	}
}

// traceIDFrom prefers the otel span, then an explicit id, else generates one.
func traceIDFrom(ctx context.Context) string {
	if ctx == nil {
		return uuid.NewString()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
