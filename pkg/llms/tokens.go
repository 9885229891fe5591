package llms

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nimbuschat/nimbus/pkg/protocol"
)

var (
	encodingMu    sync.Mutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

func encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models fall back to the cl100k_base encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encodingCache[model] = enc
	return enc, nil
}

// CountTokens estimates the token count of text for model. Used when the
// provider response carries no usage block; returns 0 if no encoding loads.
func CountTokens(model, text string) int {
	enc, err := encodingForModel(model)
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage approximates token usage from the request messages and the
// generated output text.
func EstimateUsage(model string, messages []*protocol.Message, output string) TokenUsage {
	input := 0
	for _, msg := range messages {
		input += CountTokens(model, msg.Content)
	}
	return TokenUsage{
		InputTokens:  input,
		OutputTokens: CountTokens(model, output),
	}
}
