package chatmodel

import (
	"context"
	"sync"
)

// Fake is a scripted ChatModel for tests. Each call pops the next scripted
// reply; when the script is exhausted, Reply is returned. Err, when set,
// fails every call. Safe for concurrent use, since map fan-out dispatches
// agent tasks in parallel.
type Fake struct {
	Reply   string
	Script  []string
	Err     error
	TokensN int

	mu    sync.Mutex
	Calls []Request
}

// CallCount returns how many times Stream ran.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// Stream implements ChatModel by emitting the scripted reply as a sequence of
// fixed-size token chunks.
func (f *Fake) Stream(ctx context.Context, req Request, onToken func(string) error) (Response, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, req)
	if f.Err != nil {
		f.mu.Unlock()
		return Response{}, f.Err
	}
	text := f.Reply
	if len(f.Script) > 0 {
		text = f.Script[0]
		f.Script = f.Script[1:]
	}
	n := f.TokensN
	if n <= 0 {
		n = 8
	}
	f.mu.Unlock()

	for i := 0; i < len(text); i += n {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		end := i + n
		if end > len(text) {
			end = len(text)
		}
		if onToken != nil {
			if err := onToken(text[i:end]); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text, Usage: Usage{InputTokens: 10, OutputTokens: int64(len(text) / 4)}}, nil
}
