// Package tokencount determines token counts for a completed request.
// Provider-reported usage is authoritative; streams that never report usage
// fall back to a tokenizer estimate, and the two are never confused: every
// count carries an Estimated flag that follows it into the usage record.
package tokencount

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counts is the token accounting for one request.
type Counts struct {
	Input         int64
	Output        int64
	CachedInput   int64
	CacheCreation int64
	Image         int64 // provider-reported only; the tokenizer cannot estimate these

	// Estimated is true when the counts came from the tokenizer rather
	// than the provider. Estimated undercount is unrecovered revenue, so
	// the flag is persisted and reportable.
	Estimated bool
}

// ReportedUsage is the provider's own usage object.
type ReportedUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CachedTokens        int64
	CacheCreationTokens int64
	ImageTokens         int64
}

// Message is one chat message of the prompt.
type Message struct {
	Role    string
	Name    string
	Content string
}

// Chunk is one emitted stream chunk. Usage is set when the provider opted
// in to inline stream usage.
type Chunk struct {
	Text  string
	Usage *ReportedUsage
}

// Request is the prompt side of the accounting input.
type Request struct {
	Model    string
	Messages []Message
	Prompt   string // non-chat completions
}

// Response is the completion side of the accounting input.
type Response struct {
	Text      string
	Usage     *ReportedUsage
	Streaming bool
	Chunks    []Chunk
}

// Chat-format counting overhead, per the OpenAI counting convention:
// every message costs a fixed number of wrapper tokens, a name field costs
// one more, and the reply is primed with an assistant header.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensReplyPrime = 3
)

// Accountant counts tokens, loading one codec per encoding lazily.
type Accountant struct {
	mu     sync.Mutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewAccountant constructs an Accountant.
func NewAccountant() *Accountant {
	return &Accountant{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// Count produces token counts for a request/response pair.
//
// Non-streaming responses must carry provider usage and it is used verbatim.
// Streaming responses prefer usage reported in any chunk (the terminal chunk
// included); without one the counts are a tokenizer estimate. Zero counts
// are valid, e.g. for safety-filtered responses.
func (a *Accountant) Count(req Request, resp Response) (Counts, error) {
	if usage := reportedUsage(resp); usage != nil {
		return Counts{
			Input:         usage.InputTokens,
			Output:        usage.OutputTokens,
			CachedInput:   usage.CachedTokens,
			CacheCreation: usage.CacheCreationTokens,
			Image:         usage.ImageTokens,
		}, nil
	}
	if !resp.Streaming {
		// Non-streaming providers always report usage; nothing to
		// estimate against if that contract breaks.
		return Counts{}, fmt.Errorf("tokencount: non-streaming response without provider usage for model %s", req.Model)
	}
	return a.estimate(req, resp)
}

// reportedUsage returns the authoritative usage object, if any. For streams
// the last chunk carrying usage wins.
func reportedUsage(resp Response) *ReportedUsage {
	if resp.Streaming {
		var found *ReportedUsage
		for i := range resp.Chunks {
			if resp.Chunks[i].Usage != nil {
				found = resp.Chunks[i].Usage
			}
		}
		if found != nil {
			return found
		}
		return resp.Usage
	}
	return resp.Usage
}

// estimate tokenizes the prompt and the concatenated emitted text.
func (a *Accountant) estimate(req Request, resp Response) (Counts, error) {
	codec, err := a.codec(req.Model)
	if err != nil {
		return Counts{}, err
	}

	input, err := a.promptTokens(codec, req)
	if err != nil {
		return Counts{}, err
	}

	completion := resp.Text
	if completion == "" && len(resp.Chunks) > 0 {
		var b strings.Builder
		for i := range resp.Chunks {
			b.WriteString(resp.Chunks[i].Text)
		}
		completion = b.String()
	}
	output := 0
	if completion != "" {
		output, err = countTokens(codec, completion)
		if err != nil {
			return Counts{}, fmt.Errorf("tokencount: count completion: %w", err)
		}
	}

	return Counts{
		Input:     int64(input),
		Output:    int64(output),
		Estimated: true,
	}, nil
}

// promptTokens counts the prompt, adding chat wrapper overhead for
// message-style requests.
func (a *Accountant) promptTokens(codec tokenizer.Codec, req Request) (int, error) {
	if len(req.Messages) == 0 {
		if req.Prompt == "" {
			return 0, nil
		}
		n, err := countTokens(codec, req.Prompt)
		if err != nil {
			return 0, fmt.Errorf("tokencount: count prompt: %w", err)
		}
		return n, nil
	}

	total := tokensReplyPrime
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += tokensPerMessage
		for _, field := range []string{msg.Role, msg.Content} {
			if field == "" {
				continue
			}
			n, err := countTokens(codec, field)
			if err != nil {
				return 0, fmt.Errorf("tokencount: count message: %w", err)
			}
			total += n
		}
		if msg.Name != "" {
			n, err := countTokens(codec, msg.Name)
			if err != nil {
				return 0, fmt.Errorf("tokencount: count message name: %w", err)
			}
			total += n + tokensPerName
		}
	}
	return total, nil
}

// countTokens returns the number of tokens in s. The pinned tokenizer
// version predates Codec.Count, which upstream implements as tokenizing
// and counting, so counting the Encode output is equivalent.
func countTokens(codec tokenizer.Codec, s string) (int, error) {
	ids, _, err := codec.Encode(s)
	return len(ids), err
}

// codec returns the codec for a model's encoding, loading it once.
func (a *Accountant) codec(model string) (tokenizer.Codec, error) {
	encoding := encodingForModel(model)

	a.mu.Lock()
	defer a.mu.Unlock()
	if codec, ok := a.codecs[encoding]; ok {
		return codec, nil
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load encoding %s: %w", encoding, err)
	}
	a.codecs[encoding] = codec
	return codec, nil
}

// encodingForModel selects the encoding by model family. Newer generations
// (gpt-4o and the o-series onward) use o200k; earlier chat models and every
// non-OpenAI family estimate against cl100k, which is close enough for the
// fallback path.
func encodingForModel(model string) tokenizer.Encoding {
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range []string{"gpt-4o", "gpt-4.1", "gpt-5", "chatgpt-4o", "o1", "o3", "o4"} {
		if strings.HasPrefix(lower, prefix) {
			return tokenizer.O200kBase
		}
	}
	return tokenizer.Cl100kBase
}
