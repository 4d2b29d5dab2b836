package session

import (
	"sync"
	"time"
)

// CostPerToken is the flat per-token rate used for the cost estimate.
const CostPerToken = 0.00002

// Metrics accumulates call statistics. All methods are safe for concurrent use.
type Metrics struct {
	mu               sync.Mutex
	start            time.Time
	ttfb             []time.Duration
	processing       []time.Duration
	userbot          []time.Duration
	promptTokens     int
	completionTokens int
	ttsCharacters    int
	userStopped      time.Time
}

// NewMetrics starts the call clock.
func NewMetrics() *Metrics { return &Metrics{start: time.Now()} }

// ObserveTTFB records a time to first byte from the LLM or TTS.
func (m *Metrics) ObserveTTFB(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.ttfb = append(m.ttfb, d)
	m.mu.Unlock()
}

// ObserveProcessing records a full provider call.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.processing = append(m.processing, d)
	m.mu.Unlock()
}

// AddUsage adds LLM token counts.
func (m *Metrics) AddUsage(prompt, completion int) {
	m.mu.Lock()
	m.promptTokens += prompt
	m.completionTokens += completion
	m.mu.Unlock()
}

// AddTTSCharacters adds synthesized characters.
func (m *Metrics) AddTTSCharacters(n int) {
	m.mu.Lock()
	m.ttsCharacters += n
	m.mu.Unlock()
}

// UserStoppedSpeaking marks the start of a user-to-bot latency sample.
func (m *Metrics) UserStoppedSpeaking(at time.Time) {
	m.mu.Lock()
	m.userStopped = at
	m.mu.Unlock()
}

// BotStartedSpeaking closes the pending latency sample, if any.
func (m *Metrics) BotStartedSpeaking(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userStopped.IsZero() {
		return
	}
	m.userbot = append(m.userbot, at.Sub(m.userStopped))
	m.userStopped = time.Time{}
}

// Summary is the call summary handed to the disconnect callback. Averages
// are in seconds and nil without samples.
type Summary struct {
	AvgTTFB               *float64 `json:"avg_ttfb"`
	TTFBSamples           int      `json:"ttfb_samples"`
	AvgProcessingTime     *float64 `json:"avg_processing_time"`
	ProcessingSamples     int      `json:"processing_samples"`
	TotalPromptTokens     int      `json:"total_prompt_tokens"`
	TotalCompletionTokens int      `json:"total_completion_tokens"`
	TotalLLMTokens        int      `json:"total_llm_tokens"`
	EstimatedCost         float64  `json:"estimated_cost"`
	TotalTTSCharacters    int      `json:"total_tts_characters"`
	CallDuration          float64  `json:"call_duration"`
	AvgUserBotLatency     *float64 `json:"avg_userbot_latency"`
	UserBotLatencySamples int      `json:"userbot_latency_samples"`
}

// Summary computes the current totals.
func (m *Metrics) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.promptTokens + m.completionTokens
	return Summary{
		AvgTTFB:               average(m.ttfb),
		TTFBSamples:           len(m.ttfb),
		AvgProcessingTime:     average(m.processing),
		ProcessingSamples:     len(m.processing),
		TotalPromptTokens:     m.promptTokens,
		TotalCompletionTokens: m.completionTokens,
		TotalLLMTokens:        total,
		EstimatedCost:         float64(total) * CostPerToken,
		TotalTTSCharacters:    m.ttsCharacters,
		CallDuration:          time.Since(m.start).Seconds(),
		AvgUserBotLatency:     average(m.userbot),
		UserBotLatencySamples: len(m.userbot),
	}
}

func average(ds []time.Duration) *float64 {
	if len(ds) == 0 {
		return nil
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	avg := (sum / time.Duration(len(ds))).Seconds()
	return &avg
}
