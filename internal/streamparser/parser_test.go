package streamparser

import "testing"

func allBlocks(p *Parser, chunks []string) []Block {
	var out []Block
	for _, c := range chunks {
		out = append(out, p.Feed(c)...)
	}
	out = append(out, p.Flush()...)
	return out
}

func TestParserSimpleToolBlock(t *testing.T) {
	p := New()
	blocks := allBlocks(p, []string{"<read_file><path>foo.txt</path></read_file> done"})

	var tool *Block
	var finalText string
	for i := range blocks {
		if blocks[i].Kind == ToolBlockKind {
			tool = &blocks[i]
		} else if !blocks[i].Partial {
			finalText += blocks[i].Text
		}
	}
	if tool == nil {
		t.Fatal("expected a tool block")
	}
	if tool.ToolName != "read_file" || tool.Partial {
		t.Fatalf("unexpected tool block: %+v", tool)
	}
	if tool.ToolParams["path"] != "foo.txt" {
		t.Fatalf("expected path param, got %+v", tool.ToolParams)
	}
}

func TestParserIncrementalChunks(t *testing.T) {
	p := New()
	chunks := []string{"Thinking about it.\n<read", "_file><path>a/b.txt</path", "></read_file>\nDone."}
	blocks := allBlocks(p, chunks)

	var sawTool bool
	var text string
	for _, b := range blocks {
		if b.Kind == ToolBlockKind && !b.Partial {
			sawTool = true
			if b.ToolParams["path"] != "a/b.txt" {
				t.Fatalf("expected path param across chunk boundary, got %+v", b.ToolParams)
			}
		}
		if b.Kind == TextBlockKind && !b.Partial {
			text += b.Text
		}
	}
	if !sawTool {
		t.Fatal("expected a completed tool block spanning chunk boundaries")
	}
	if text == "" {
		t.Fatal("expected some final text content")
	}
}

func TestParserRawContentPreservesEmbeddedClosingTag(t *testing.T) {
	p := New()
	input := "<write_to_file><path>x.go</path><content>line1\n</content> not the end\nline2</content></write_to_file>"
	blocks := allBlocks(p, []string{input})

	var tool *Block
	for i := range blocks {
		if blocks[i].Kind == ToolBlockKind {
			tool = &blocks[i]
		}
	}
	if tool == nil {
		t.Fatal("expected a tool block")
	}
	want := "line1\n</content> not the end\nline2"
	if tool.ToolParams["content"] != want {
		t.Fatalf("expected raw content preserving embedded closing tag, got %q", tool.ToolParams["content"])
	}
}

func TestParserEmptyTextBlocksNeverEmitted(t *testing.T) {
	p := New()
	blocks := allBlocks(p, []string{"<read_file><path>a</path></read_file>"})
	for _, b := range blocks {
		if b.Kind == TextBlockKind && b.Text == "" {
			t.Fatal("empty text block should never be emitted")
		}
	}
}

func TestParserUnrecognizedToolNameStillParses(t *testing.T) {
	p := New()
	blocks := allBlocks(p, []string{"<mystery_tool><arg>1</arg></mystery_tool>"})
	var tool *Block
	for i := range blocks {
		if blocks[i].Kind == ToolBlockKind {
			tool = &blocks[i]
		}
	}
	if tool == nil || tool.ToolName != "mystery_tool" {
		t.Fatalf("expected unrecognized tool name to still parse, got %+v", tool)
	}
}

func TestParserPartialThenFinalTextBlock(t *testing.T) {
	p := New()
	partialBlocks := p.Feed("still typing")
	if len(partialBlocks) != 1 || !partialBlocks[0].Partial {
		t.Fatalf("expected one partial text block, got %+v", partialBlocks)
	}
	final := p.Flush()
	if len(final) != 1 || final[0].Partial {
		t.Fatalf("expected flush to finalize the trailing text block, got %+v", final)
	}
}
