package memory

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
)

// TokenCounter estimates prompt tokens for a model using tiktoken encodings.
// Models without a known encoding fall back to cl100k_base.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = encoding
	encodingCacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages includes the per-message role overhead of the OpenAI chat
// format plus the reply priming tokens.
func (tc *TokenCounter) CountMessages(messages []protocol.Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(string(msg.Role), nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}
	total += 3

	return total
}

func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens is the counter-less fallback: roughly 4 characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}
