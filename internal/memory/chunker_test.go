package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/quilldesk/sheetsense/internal/chat"
)

func testChunker() *Chunker {
	advanced := map[string]bool{"VLOOKUP": true, "INDEX": true, "MATCH": true}
	return NewChunker(ChunkerOptions{
		MaxTokens: 400,
		Advanced:  func(name string) bool { return advanced[name] },
	})
}

func TestSplitTopicBoundary(t *testing.T) {
	c := testChunker()

	messages := make([]chat.Message, 0, 25)
	for i := 0; i < 20; i++ {
		messages = append(messages, chat.Message{
			Role: chat.RoleUser,
			Text: fmt.Sprintf("short question %d about SUM(A1:A%d)", i, i+1),
		})
	}
	for i := 0; i < 5; i++ {
		messages = append(messages, chat.Message{
			Role: chat.RoleUser,
			Text: fmt.Sprintf("now =VLOOKUP(B%d,D:F,2,FALSE) returns an error", i+1),
		})
	}

	chunks := c.Split("conv-1", "user-1", messages)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}

	// The boundary falls at the topic shift: no chunk mixes the SUM
	// stretch with the VLOOKUP stretch.
	for i, chunk := range chunks {
		hasSum := strings.Contains(chunk.Text, "SUM(")
		hasVlookup := strings.Contains(chunk.Text, "VLOOKUP(")
		if hasSum && hasVlookup {
			t.Errorf("chunk %d mixes topics:\n%s", i, chunk.Text)
		}
	}
}

func TestSplitNeverEmptyAndDeterministic(t *testing.T) {
	c := testChunker()
	messages := []chat.Message{
		{Role: chat.RoleUser, Text: "hello"},
		{Role: chat.RoleAssistant, Text: "hi, what can I help with?"},
		{Role: chat.RoleUser, Text: "how do I total a column? =SUM(A:A)"},
	}

	first := c.Split("conv-1", "user-1", messages)
	second := c.Split("conv-1", "user-1", messages)
	if len(first) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Text != second[i].Text {
			t.Errorf("chunk %d text differs between runs", i)
		}
		if strings.TrimSpace(first[i].Text) == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}

func TestSplitTokenCeiling(t *testing.T) {
	c := NewChunker(ChunkerOptions{MaxTokens: 50})
	long := strings.Repeat("a reasonably long sentence about spreadsheets. ", 4)

	messages := make([]chat.Message, 6)
	for i := range messages {
		messages[i] = chat.Message{Role: chat.RoleUser, Text: long}
	}

	chunks := c.Split("conv-1", "user-1", messages)
	if len(chunks) < 2 {
		t.Fatalf("expected token ceiling to split, got %d chunks", len(chunks))
	}
}

func TestSplitAnnotations(t *testing.T) {
	c := testChunker()
	messages := []chat.Message{
		{Role: chat.RoleUser, Text: "what does =SUM(A1:A10) do and how is AVERAGE(B1:B10) different?"},
	}
	chunks := c.Split("conv-1", "user-1", messages)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	chunk := chunks[0]
	if !chunk.ContainsFormula {
		t.Error("expected ContainsFormula")
	}
	if len(chunk.Functions) != 2 || chunk.Functions[0] != "SUM" || chunk.Functions[1] != "AVERAGE" {
		t.Errorf("expected [SUM AVERAGE], got %v", chunk.Functions)
	}
	if chunk.Difficulty != DifficultyIntermediate {
		t.Errorf("expected intermediate for 2 functions, got %s", chunk.Difficulty)
	}
	if chunk.TokenEstimate <= 0 {
		t.Error("expected positive token estimate")
	}
}

func TestDifficultyTags(t *testing.T) {
	c := testChunker()
	cases := []struct {
		name string
		text string
		want string
	}{
		{"no functions", "how do I freeze the top row?", DifficultyBasic},
		{"one function", "use SUM(A:A) for the total", DifficultyIntermediate},
		{"advanced tagged", "try VLOOKUP(A2,D:F,2,FALSE)", DifficultyAdvanced},
		{"three functions", "combine SUM(A:A), MAX(B:B) and MIN(C:C)", DifficultyAdvanced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := c.Split("conv-1", "user-1", []chat.Message{{Role: chat.RoleUser, Text: tc.text}})
			if len(chunks) != 1 {
				t.Fatalf("expected 1 chunk, got %d", len(chunks))
			}
			if chunks[0].Difficulty != tc.want {
				t.Errorf("expected %s, got %s", tc.want, chunks[0].Difficulty)
			}
		})
	}
}
