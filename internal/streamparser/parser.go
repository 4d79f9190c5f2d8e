// ABOUTME: Incremental XML-like tool-block parser consuming streamed provider text.
// ABOUTME: No direct teacher analogue exists for this grammar; built fresh in the package's state-machine idiom, styled after teacher attractor/lexer.go's TokenType enum.
package streamparser

import (
	"regexp"
	"strings"
)

// BlockKind discriminates a Block.
type BlockKind string

const (
	TextBlockKind BlockKind = "text"
	ToolBlockKind BlockKind = "tool"
)

// rawContentParams never stop at the first closing tag; the real
// terminator is the last occurrence of the closing tag before the tool's
// own closing tag (spec.md §4.7 special case (a)).
var rawContentParams = map[string]bool{"content": true}

// Block is one unit the Parser emits. Exactly one of Text or
// (ToolName, ToolParams) is meaningful depending on Kind.
type Block struct {
	Kind       BlockKind
	Text       string
	ToolName   string
	ToolParams map[string]string
	Partial    bool
}

var openTagRe = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_]*)>`)

// Parser incrementally consumes text via Feed and emits a lazy sequence of
// Blocks. It is not safe for concurrent use; one Parser serves one stream.
type Parser struct {
	buf string

	inTool   bool
	toolName string
	toolBody string // accumulated inner text since the opening tag, while inTool
}

// New constructs an empty Parser.
func New() *Parser { return &Parser{} }

// Feed appends text to the parser's buffer and returns every Block that
// could be determined from the data seen so far, including a (possibly
// refined) trailing partial block.
func (p *Parser) Feed(text string) []Block {
	if p.inTool {
		p.toolBody += text
	} else {
		p.buf += text
	}
	return p.drain(false)
}

// Flush signals end of input; any still-partial block is finalized as best
// effort (unclosed tool blocks are reported with Partial still true, since
// they are, by definition, malformed input).
func (p *Parser) Flush() []Block {
	return p.drain(true)
}

func (p *Parser) drain(final bool) []Block {
	var out []Block

	for {
		if p.inTool {
			block, done := p.tryCloseTool(final)
			if block != nil {
				out = append(out, *block)
			}
			if !done {
				break
			}
			continue
		}

		loc := openTagRe.FindStringSubmatchIndex(p.buf)
		if loc == nil {
			// No recognized opening tag yet. If the buffer ends with an
			// unmatched '<', hold that suffix back (it may be the start of
			// a tag straddling the next Feed call); emit the rest as text.
			if idx := strings.LastIndex(p.buf, "<"); idx >= 0 && !strings.Contains(p.buf[idx:], ">") && !final {
				if idx > 0 {
					out = append(out, textBlock(p.buf[:idx], false))
				}
				p.buf = p.buf[idx:]
				break
			}
			if p.buf == "" {
				break
			}
			out = append(out, textBlock(p.buf, !final))
			if final {
				p.buf = ""
			}
			break
		}

		start, end := loc[0], loc[1]
		name := p.buf[loc[2]:loc[3]]
		if start > 0 {
			out = append(out, textBlock(p.buf[:start], false))
		}
		p.inTool = true
		p.toolName = name
		p.toolBody = p.buf[end:]
		p.buf = ""
	}

	return out
}

func textBlock(text string, partial bool) Block {
	return Block{Kind: TextBlockKind, Text: text, Partial: partial}
}

// tryCloseTool looks for the current tool's closing tag. If found, it parses
// the full inner body into params and returns a completed ToolBlock with
// done=true. If not found, it returns a best-effort partial ToolBlock
// (done=false) unless final is set, in which case whatever was gathered is
// returned as the terminal (still-partial, since it never legitimately
// closed) block for this tool.
func (p *Parser) tryCloseTool(final bool) (*Block, bool) {
	closeTag := "</" + p.toolName + ">"
	idx := strings.Index(p.toolBody, closeTag)
	if idx == -1 {
		if final {
			params := parseParams(p.toolBody, p.toolName, true)
			b := Block{Kind: ToolBlockKind, ToolName: p.toolName, ToolParams: params, Partial: true}
			p.inTool = false
			p.toolName = ""
			p.toolBody = ""
			return &b, true
		}
		params := parseParams(p.toolBody, p.toolName, false)
		b := Block{Kind: ToolBlockKind, ToolName: p.toolName, ToolParams: params, Partial: true}
		return &b, false
	}

	inner := p.toolBody[:idx]
	remainder := p.toolBody[idx+len(closeTag):]
	params := parseParams(inner, p.toolName, true)

	p.inTool = false
	name := p.toolName
	p.toolName = ""
	p.toolBody = ""
	p.buf = remainder

	return &Block{Kind: ToolBlockKind, ToolName: name, ToolParams: params, Partial: false}, true
}

// parseParams scans inner for `<name>value</name>` pairs in order. When
// closed is false (the tool hasn't closed yet), only fully-closed params
// found so far are reported; an in-progress trailing param is omitted
// rather than guessed at.
func parseParams(inner, toolName string, closed bool) map[string]string {
	params := make(map[string]string)
	pos := 0
	for pos < len(inner) {
		loc := openTagRe.FindStringSubmatchIndex(inner[pos:])
		if loc == nil {
			break
		}
		name := inner[pos+loc[2] : pos+loc[3]]
		valueStart := pos + loc[1]

		if rawContentParams[name] {
			// The real terminator is the LAST occurrence of the closing tag
			// before the tool's own closing tag (spec.md §4.7 case (a)); at
			// this point inner already excludes the tool's closing tag, so
			// the last occurrence in the remainder of inner is correct.
			closeTag := "</" + name + ">"
			last := strings.LastIndex(inner[valueStart:], closeTag)
			if last == -1 {
				break // unterminated; leave for a later, more complete parse
			}
			value := inner[valueStart : valueStart+last]
			params[name] = value
			pos = valueStart + last + len(closeTag)
			continue
		}

		closeTag := "</" + name + ">"
		rel := strings.Index(inner[valueStart:], closeTag)
		if rel == -1 {
			break // unterminated param; wait for more data
		}
		params[name] = inner[valueStart : valueStart+rel]
		pos = valueStart + rel + len(closeTag)
	}
	return params
}
