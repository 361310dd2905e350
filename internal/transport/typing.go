package transport

import (
	"sync"
	"time"

	"livechat/internal/domain"
)

const DefaultTypingExpiry = 3 * time.Second

// TypingIndicator tracks the remote party's typing state on the receiving
// side. The indicator expires after a quiet period, each typing event
// restarting the countdown, and clears as soon as a real message arrives.
type TypingIndicator struct {
	expiry   time.Duration
	onChange func(typing bool, name string)

	mu     sync.Mutex
	typing bool
	name   string
	timer  *time.Timer
	gen    uint64
}

func NewTypingIndicator(expiry time.Duration, onChange func(typing bool, name string)) *TypingIndicator {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if onChange == nil {
		onChange = func(bool, string) {}
	}
	return &TypingIndicator{expiry: expiry, onChange: onChange}
}

// Handle feeds one received frame. Frames other than typing and message are
// ignored.
func (t *TypingIndicator) Handle(f domain.Frame) {
	switch f.Type {
	case domain.FrameTyping:
		var p domain.TypingPayload
		if err := f.Decode(&p); err != nil {
			return
		}
		if p.IsTyping {
			t.start(p.SenderName)
		} else {
			t.clear()
		}
	case domain.FrameMessage:
		t.clear()
	}
}

func (t *TypingIndicator) Typing() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing, t.name
}

// Stop clears the indicator without notifying.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.typing = false
	t.name = ""
}

func (t *TypingIndicator) start(name string) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.expiry, func() { t.expire(gen) })
	changed := !t.typing || t.name != name
	t.typing = true
	t.name = name
	t.mu.Unlock()

	if changed {
		t.onChange(true, name)
	}
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.name = ""
	t.timer = nil
	t.mu.Unlock()

	t.onChange(false, "")
}

func (t *TypingIndicator) clear() {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	was := t.typing
	t.typing = false
	t.name = ""
	t.mu.Unlock()

	if was {
		t.onChange(false, "")
	}
}
