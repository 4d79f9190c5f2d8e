// ABOUTME: Session Coordinator — the outer streaming control loop: assemble context, stream the provider, parse tool blocks, dispatch them, persist every turn.
// ABOUTME: Grounded on teacher agent/loop.go's ProcessInput round/turn loop shape and agent/stream.go's debounced accumulator, adapted to Mandrake's store/mcp/llm packages.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/strangelove-ventures/mandrake/internal/llm"
	"github.com/strangelove-ventures/mandrake/internal/mcp"
	"github.com/strangelove-ventures/mandrake/internal/merr"
	"github.com/strangelove-ventures/mandrake/internal/prompt"
	"github.com/strangelove-ventures/mandrake/internal/store"
	"github.com/strangelove-ventures/mandrake/internal/streamparser"
)

// defaultMaxTurnsPerRound bounds the inner turn loop (spec.md §4.8).
const defaultMaxTurnsPerRound = 16

// persistDebounce is the minimum interval between turn-update writes while a
// stream is in flight (spec.md §4.8 "Persistence cadence during streaming").
const persistDebounce = 100 * time.Millisecond

// legacyToolServers maps legacy short-form tool names to the server that
// hosts them, for tool blocks that don't go through use_mcp_tool's explicit
// {server_name, tool_name} addressing (spec.md §4.8 step 3d).
type legacyToolServers map[string]string

// Config wires a Coordinator to the resources it borrows. None of these are
// owned by the Coordinator; it holds shared references for the lifetime of
// in-flight requests only (spec.md §4.9 "borrows... holds no long-lived
// exclusive locks").
type Config struct {
	Store             *store.Engine
	Manager           *mcp.Manager
	Provider          *llm.Client
	ProviderName      string
	Model             string
	PromptConfig      prompt.Config
	Approve           mcp.ApprovalFunc
	MaxTurnsPerRound  int
	LegacyToolServers legacyToolServers
}

// Coordinator runs handleRequest for one session. It is safe to call
// HandleRequest concurrently for different sessions sharing the same
// Coordinator only if the underlying Store/Manager are themselves safe for
// concurrent use, which they are; a single Coordinator instance is meant to
// serve one session at a time in practice (the Registry hands out one per
// session).
type Coordinator struct {
	cfg Config
}

// New constructs a Coordinator bound to cfg. MaxTurnsPerRound defaults to
// defaultMaxTurnsPerRound when unset.
func New(cfg Config) *Coordinator {
	if cfg.MaxTurnsPerRound <= 0 {
		cfg.MaxTurnsPerRound = defaultMaxTurnsPerRound
	}
	return &Coordinator{cfg: cfg}
}

// HandleRequest runs the full request→rounds→turns loop for one user
// message, per spec.md §4.8. It returns once the round is finalized (either
// by natural completion, a provider error, or cancellation).
func (c *Coordinator) HandleRequest(ctx context.Context, sessionID, requestText string) error {
	round, err := c.cfg.Store.StartRound(ctx, sessionID, requestText)
	if err != nil {
		return err
	}
	log.Printf("component=coordinator action=start_round session=%s round=%d", sessionID, round.Index)

	systemText, messages, err := c.assembleMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	for turnIndex := 0; turnIndex < c.cfg.MaxTurnsPerRound; turnIndex++ {
		toolResultMessage, done, err := c.runTurn(ctx, round.ResponseID, systemText, messages)
		if err != nil {
			return err
		}
		if done {
			log.Printf("component=coordinator action=round_complete session=%s round=%d turns=%d", sessionID, round.Index, turnIndex+1)
			return nil
		}
		messages = append(messages, toolResultMessage)
	}

	log.Printf("component=coordinator action=max_turns_reached session=%s round=%d", sessionID, round.Index)
	return nil
}

// assembleMessages loads session history, renders the system prompt, and
// transforms history into the provider's message shape plus the new user
// turn (spec.md §4.8 step 2). The rendered system prompt is returned
// separately from messages: ExtractSystemMessages pulls it (and any other
// RoleSystem entries) out of the transformed history before
// MergeConsecutiveMessages runs, so callers thread systemText into
// llm.Request.System directly instead of recovering it from messages.
func (c *Coordinator) assembleMessages(ctx context.Context, sessionID string) (string, []llm.Message, error) {
	history, err := c.cfg.Store.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}

	tools := c.cfg.Manager.ListAllTools()
	promptCfg := c.cfg.PromptConfig
	promptCfg.Tools = toolsToPromptInfo(tools)
	systemPrompt := prompt.Build(promptCfg)

	messages := []llm.Message{llm.SystemMessage(systemPrompt)}
	for _, rh := range history.Rounds {
		messages = append(messages, llm.UserMessage(rh.Request.Content))
		for _, turn := range rh.Turns {
			messages = append(messages, turnToAssistantMessage(turn))
			for _, tc := range turn.ToolCalls {
				if tc.Result != nil {
					messages = append(messages, toolResultToMessage(tc))
				}
			}
		}
	}

	systemText, rest := llm.ExtractSystemMessages(messages)
	rest = llm.MergeConsecutiveMessages(rest)
	return systemText, rest, nil
}

// runTurn executes one model call plus incremental parse/dispatch cycle. It
// returns (nextMessage, done, err): done is true when the round should stop
// (natural completion, error, or cancellation); nextMessage carries the tool
// results to feed back when done is false.
func (c *Coordinator) runTurn(ctx context.Context, responseID, systemText string, messages []llm.Message) (llm.Message, bool, error) {
	turn, err := c.cfg.Store.AppendTurn(ctx, responseID, store.TurnPartial{})
	if err != nil {
		return llm.Message{}, true, err
	}

	req := llm.Request{
		Model:    c.cfg.Model,
		System:   systemText,
		Messages: messages,
		Tools:    toolDefinitionsFrom(c.cfg.Manager.ListAllTools()),
	}

	stream, err := c.cfg.Provider.Stream(ctx, c.cfg.ProviderName, req)
	if err != nil {
		return llm.Message{}, true, merr.Provider(merr.ProviderNetwork, "stream start failed", err)
	}

	parser := streamparser.New()
	acc := &turnAccumulator{lastFlush: time.Now()}
	var usage llm.Usage
	var toolResultTexts []string
	var sawToolCall bool

	for chunk := range stream {
		switch chunk.Kind {
		case llm.ChunkText:
			acc.rawResponse += chunk.Text
			blocks := parser.Feed(chunk.Text)
			toolResultTexts = append(toolResultTexts, c.handleBlocks(ctx, turn, acc, blocks, &sawToolCall)...)
			if err := acc.maybePersist(ctx, c.cfg.Store, turn.ID, false); err != nil {
				return llm.Message{}, true, err
			}

		case llm.ChunkUsage:
			usage = chunk.Usage

		case llm.ChunkEnd:
			blocks := parser.Flush()
			toolResultTexts = append(toolResultTexts, c.handleBlocks(ctx, turn, acc, blocks, &sawToolCall)...)
		}

		if ctx.Err() != nil {
			break
		}
	}

	// Finalize even after cancellation, so the turn keeps what was streamed.
	finalized, err := c.finalizeTurn(context.WithoutCancel(ctx), turn.ID, acc, usage, c.modelIDFor(req))
	if err != nil {
		return llm.Message{}, true, err
	}

	if ctx.Err() != nil {
		log.Printf("component=coordinator action=turn_cancelled turn=%s", turn.ID)
		return llm.Message{}, true, nil
	}

	// spec.md §4.8 step 3f: loop again only if the turn contained a tool
	// call AND the assistant did not signal completion (no non-tool text
	// trailing the last tool block).
	signaledCompletion := strings.TrimSpace(acc.trailingText) != ""
	if !sawToolCall || !finalized || signaledCompletion {
		return llm.Message{}, true, nil
	}

	return llm.UserMessage(joinToolResults(toolResultTexts)), false, nil
}

// handleBlocks appends completed TextBlocks to the turn's content segments,
// dispatches any completed ToolBlocks, appends tool-call records to the
// turn, and returns the tool result text to feed back as the next user
// message. Partial blocks are ignored; they are refined by later input.
func (c *Coordinator) handleBlocks(ctx context.Context, turn *store.Turn, acc *turnAccumulator, blocks []streamparser.Block, sawToolCall *bool) []string {
	var results []string
	for _, b := range blocks {
		if b.Kind == streamparser.TextBlockKind {
			if !b.Partial && b.Text != "" {
				acc.trailingText += b.Text
				acc.textSegments = append(acc.textSegments, b.Text)
			}
			continue
		}
		if b.Partial {
			continue
		}
		*sawToolCall = true
		acc.trailingText = ""

		server, toolName, args := c.resolveToolCall(b)
		record := store.ToolCallRecord{Call: store.ToolCall{Server: server, Name: toolName, Args: args}}
		acc.toolCalls = append(acc.toolCalls, record)
		idx := len(acc.toolCalls) - 1

		result, err := c.cfg.Manager.InvokeTool(ctx, server, toolName, args, c.cfg.Approve)
		if err != nil {
			acc.toolCalls[idx].Result = &store.ToolResult{IsError: true, Content: err.Error()}
		} else {
			acc.toolCalls[idx].Result = &store.ToolResult{IsError: result.IsError, Content: result.Content}
		}

		if err := acc.forceFlush(ctx, c.cfg.Store, turn.ID); err != nil {
			log.Printf("component=coordinator action=tool_flush_failed turn=%s err=%v", turn.ID, err)
		}
		results = append(results, toolResultText(acc.toolCalls[idx]))
	}
	return results
}

// resolveToolCall extracts {server, tool, args} from a completed ToolBlock,
// per spec.md §4.8 step 3d: use_mcp_tool names them explicitly; legacy
// short-form tool names resolve through the configured mapping.
func (c *Coordinator) resolveToolCall(b streamparser.Block) (server, tool string, args map[string]any) {
	if b.ToolName == "use_mcp_tool" {
		server = b.ToolParams["server_name"]
		tool = b.ToolParams["tool_name"]
		args = parseArguments(b.ToolParams["arguments"])
		return server, tool, args
	}

	server = c.cfg.LegacyToolServers[b.ToolName]
	args = make(map[string]any, len(b.ToolParams))
	for k, v := range b.ToolParams {
		args[k] = v
	}
	return server, b.ToolName, args
}

func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// finalizeTurn computes cost from the authoritative Usage, writes final
// metrics, and marks the turn complete (spec.md §4.8 step 3e). The bool
// return is false only when the write itself failed (surfaced via err too;
// kept as a separate value so callers read the common case as a single
// boolean check).
func (c *Coordinator) finalizeTurn(ctx context.Context, turnID string, acc *turnAccumulator, usage llm.Usage, modelID string) (bool, error) {
	cost := c.cfg.Provider.CostOf(modelID, usage)
	metrics := store.TurnMetrics{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		Cost:             cost,
	}
	raw := acc.rawResponse
	content := acc.content()
	err := c.cfg.Store.UpdateTurn(ctx, turnID, store.TurnPartial{
		RawResponse: &raw,
		Content:     content,
		ToolCalls:   acc.toolCalls,
		Metrics:     &metrics,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) modelIDFor(req llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

// turnAccumulator gathers streamed text/tool-call state for one turn between
// debounced persistence writes, mirroring teacher agent/stream.go's
// streamAccumulator.
type turnAccumulator struct {
	rawResponse  string
	textSegments []string // completed TextBlocks in arrival order, per spec.md §3's "parsed content segments"
	toolCalls    []store.ToolCallRecord
	lastFlush    time.Time
	trailingText string // non-tool text seen since the last completed tool block
}

func (a *turnAccumulator) content() []string {
	if len(a.textSegments) == 0 {
		return nil
	}
	return a.textSegments
}

// maybePersist writes the accumulator's current state if persistDebounce has
// elapsed since the last write, or always when force is true.
func (a *turnAccumulator) maybePersist(ctx context.Context, eng *store.Engine, turnID string, force bool) error {
	if !force && time.Since(a.lastFlush) < persistDebounce {
		return nil
	}
	return a.flush(ctx, eng, turnID)
}

func (a *turnAccumulator) forceFlush(ctx context.Context, eng *store.Engine, turnID string) error {
	return a.flush(ctx, eng, turnID)
}

func (a *turnAccumulator) flush(ctx context.Context, eng *store.Engine, turnID string) error {
	raw := a.rawResponse
	content := a.content()
	toolCalls := a.toolCalls
	a.lastFlush = time.Now()
	return eng.UpdateTurn(ctx, turnID, store.TurnPartial{
		RawResponse: &raw,
		Content:     content,
		ToolCalls:   toolCalls,
	})
}

func turnToAssistantMessage(turn store.Turn) llm.Message {
	return llm.AssistantMessage(turn.RawResponse)
}

func toolResultToMessage(tc store.ToolCallRecord) llm.Message {
	return llm.UserMessage(toolResultText(tc))
}

func toolResultText(tc store.ToolCallRecord) string {
	if tc.Result == nil {
		return ""
	}
	b, _ := json.Marshal(tc.Result.Content)
	if tc.Result.IsError {
		return fmt.Sprintf("[tool %s error]: %s", tc.Call.Name, string(b))
	}
	return fmt.Sprintf("[tool %s result]: %s", tc.Call.Name, string(b))
}

func joinToolResults(texts []string) string {
	out := ""
	for i, t := range texts {
		if i > 0 {
			out += "\n"
		}
		out += t
	}
	return out
}

func toolsToPromptInfo(tools []mcp.ToolInfo) []prompt.ToolInfo {
	out := make([]prompt.ToolInfo, 0, len(tools))
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		out = append(out, prompt.ToolInfo{Name: t.Name, Description: t.Description, InputSchema: string(schema)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toolDefinitionsFrom(tools []mcp.ToolInfo) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}
