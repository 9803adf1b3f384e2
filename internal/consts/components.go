package consts

const (
	COMP_DAO_TASK_STATE  = "task_state_dao"
	COMP_DAO_BATCH_LOG   = "batch_log_dao"
	COMP_DAO_RESOURCE    = "resource_dao"
	COMP_DAO_CATEGORY    = "category_dao"
	COMP_DAO_DEAD_LETTER = "review_dead_letter_dao"

	COMP_AI_PROVIDER = "ai_provider"
	COMP_METRICS     = "ingest_metrics"

	COMP_SVC_CATEGORY_CACHE = "category_cache"
	COMP_SVC_ENRICHER       = "enricher"
	COMP_SVC_REVIEWER       = "reviewer"
	COMP_SVC_ITEM_PIPELINE  = "item_pipeline"
	COMP_SVC_DISPATCHER     = "dispatcher"
	COMP_SVC_EXECUTOR       = "subtask_executor"
	COMP_SVC_SUBMITTER      = "submitter"
	COMP_SVC_PROGRESS       = "progress_service"
	COMP_SVC_LOGS           = "logs_service"
	COMP_SVC_RECONCILER     = "reconciler"
	COMP_SVC_LOG_CLEANUP    = "log_cleanup"
	COMP_SVC_TEXT_PARSER    = "text_parser"
	COMP_SVC_CONSUMER       = "continuation_consumer"

	COMP_CTRL_BATCH    = "batch_ctrl"
	COMP_CTRL_INTERNAL = "internal_ctrl"
	COMP_CTRL_ADMIN    = "admin_ctrl"
)
