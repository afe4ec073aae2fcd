package deepgram

import (
	"strings"
	"sync"

	"ideamic/internal/domain"
)

// transcript accumulates provider events into one text. Finals win; the last
// partial is used only when no final segment arrived.
type transcript struct {
	mu          sync.Mutex
	finals      []string
	lastPartial string
}

func (t *transcript) add(event domain.TranscriptEvent) {
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if event.Kind == domain.TranscriptKindFinal {
		t.finals = append(t.finals, text)
		t.lastPartial = ""
		return
	}
	t.lastPartial = text
}

func (t *transcript) text() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := strings.Join(t.finals, " ")
	switch {
	case joined == "":
		return t.lastPartial
	case t.lastPartial == "":
		return joined
	default:
		return joined + " " + t.lastPartial
	}
}
