package service

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/ai"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/config"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/components/logging"
	appconsts "github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/infra/core"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

var linkPattern = regexp.MustCompile(`https?://[^\s|<>"']+`)

const titlePrompt = `Suggest a short title (at most 10 words) for the resource at this link. Answer with the title only.
%s`

type ParseError struct {
	Line    int    `json:"line"`
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

type ParseResult struct {
	Resources []model.ResourceItem `json:"resources"`
	Errors    []ParseError         `json:"errors"`
	AINamed   int                  `json:"ai_named"`
}

// TextParser turns pasted text into submittable items. Lines may be `name link`,
// `name | link`, `name<TAB>link` or a bare link; bare links are named by the AI.
type TextParser struct {
	*core.BaseComponent
	AI ai.Provider `infra:"dep:ai_provider"`

	cfg     config.AIConfig
	maxName int
	timeout time.Duration
}

func NewTextParser(cfg config.AIConfig, ingest config.IngestConfig) *TextParser {
	if cfg.ParseConcurrency <= 0 {
		cfg.ParseConcurrency = 3
	}
	if ingest.MaxNameLength <= 0 {
		ingest.MaxNameLength = 200
	}
	return &TextParser{
		BaseComponent: core.NewBaseComponent(consts.COMP_SVC_TEXT_PARSER, appconsts.COMPONENT_LOGGING),
		cfg:           cfg,
		maxName:       ingest.MaxNameLength,
		timeout:       10 * time.Second,
	}
}

func (p *TextParser) Parse(ctx context.Context, text string) (*ParseResult, error) {
	res := &ParseResult{Resources: []model.ResourceItem{}, Errors: []ParseError{}}
	var bare []int
	for i, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		links := linkPattern.FindAllStringIndex(line, -1)
		if len(links) == 0 {
			res.Errors = append(res.Errors, ParseError{Line: i + 1, Content: line, Reason: "no link found"})
			continue
		}
		loc := links[len(links)-1]
		link := strings.TrimRight(line[loc[0]:loc[1]], ".,;)")
		if !model.ValidLink(link) {
			res.Errors = append(res.Errors, ParseError{Line: i + 1, Content: line, Reason: "invalid link"})
			continue
		}
		name := strings.Trim(line[:loc[0]]+" "+line[loc[1]:], " \t|-:,;")
		name = model.SanitizeName(name, p.maxName)
		if name == "" {
			bare = append(bare, len(res.Resources))
		}
		res.Resources = append(res.Resources, model.ResourceItem{Name: name, Link: link})
	}
	if len(bare) == 0 {
		return res, nil
	}

	named := make([]bool, len(bare))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ParseConcurrency)
	for n, idx := range bare {
		g.Go(func() error {
			link := res.Resources[idx].Link
			if title, ok := p.suggestName(gctx, link); ok {
				res.Resources[idx].Name = title
				named[n] = true
			} else {
				res.Resources[idx].Name = nameFromLink(link)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, ok := range named {
		if ok {
			res.AINamed++
		}
	}
	return res, nil
}

func (p *TextParser) suggestName(ctx context.Context, link string) (string, bool) {
	if p.AI == nil {
		return "", false
	}
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.AI.Complete(actx, fmt.Sprintf(titlePrompt, link))
	if err != nil {
		logging.Debug(ctx, "title suggestion failed", zap.String("link", link), zap.Error(err))
		return "", false
	}
	title := model.SanitizeName(strings.Trim(ai.StripCodeFence(out), `"'`), p.maxName)
	return title, title != ""
}

// nameFromLink uses the last path segment, or the host when the path is empty.
func nameFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base != "" && base != "." && base != "/" {
		if ext := path.Ext(base); ext != "" && len(ext) < len(base) {
			base = strings.TrimSuffix(base, ext)
		}
		if un, err := url.PathUnescape(base); err == nil {
			base = un
		}
		base = strings.NewReplacer("-", " ", "_", " ", "+", " ").Replace(base)
		if name := model.SanitizeName(base, 200); name != "" {
			return name
		}
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
