package observability

const (
	AttrAgentID         = "agent.id"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrTaskType        = "task.type"
	AttrErrorType       = "error.type"

	SpanLLMRequest    = "aiwhisperer.llm_request"
	SpanToolExecution = "aiwhisperer.tool_execution"
	SpanTaskProcess   = "aiwhisperer.task_process"
	SpanAgentTurn     = "aiwhisperer.agent_turn"
)
