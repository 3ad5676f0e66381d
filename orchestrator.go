// Package plantchat implements the conversation layer of a plant
// identification chat client: a durable request cache, resilient per-resource
// request coordination, and a state machine that sequences image
// classification, species selection, and question answering against a fixed
// upstream API.
//
// The Orchestrator type is the main entry point: create one with New, feed it
// user turns with Submit and SelectPlant, and observe the conversation via
// Messages or an OnMessage hook. Configuration is a [Config] which can be
// loaded from a YAML or JSON file using [LoadConfig].
package plantchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/leaf-labs/plantchat/api"
	"github.com/leaf-labs/plantchat/internal/cache"
	"github.com/leaf-labs/plantchat/internal/cachekey"
	"github.com/leaf-labs/plantchat/internal/circuitbreaker"
	"github.com/leaf-labs/plantchat/internal/coordinator"
	"github.com/leaf-labs/plantchat/internal/logging"
	"github.com/leaf-labs/plantchat/internal/metrics"
)

// Input validation errors. Network and upstream failures are never returned
// from conversation operations: they resolve into a Bot message and a state
// transition instead.
var (
	// ErrEmptySubmit is returned when a turn carries neither text nor images.
	ErrEmptySubmit = errors.New("nothing to submit")
	// ErrNoSelectionPending is returned by SelectPlant outside the
	// awaiting-selection state.
	ErrNoSelectionPending = errors.New("no selection pending")
)

// User-facing conversation texts.
const (
	msgReset       = "Đã đặt lại cuộc trò chuyện."
	msgOutOfScope  = "Rất tiếc, loài cây này không tồn tại trong cơ sở dữ liệu. Vui lòng thử ảnh của loài khác."
	msgNoMatch     = "Không nhận diện được cây nào từ ảnh. Vui lòng thử ảnh khác."
	msgTimeout     = "Yêu cầu mất quá nhiều thời gian. Vui lòng thử lại."
	msgUnavailable = "Hệ thống đang tạm thời gián đoạn. Vui lòng thử lại sau."
	msgAskPrompt   = "Bạn muốn biết gì về %s?"
	msgFailure     = "Đã xảy ra lỗi: %s. Vui lòng thử lại."
)

var defaultResetCommands = []string{"reset", "/reset"}

const (
	defaultCatalogTimeout  = 10 * time.Second
	defaultClassifyTimeout = 30 * time.Second
	defaultQATimeout       = 20 * time.Second
)

// Orchestrator sequences the conversation: classification, species
// selection, question answering, and reset. All methods are safe for
// concurrent use; a turn submitted while another is in flight supersedes it.
type Orchestrator struct {
	cfg    Config
	client *api.Client
	store  cache.Store

	catalog  *coordinator.Coordinator[api.Catalog]
	classify *coordinator.Coordinator[api.ClassifyResponse]
	qa       *coordinator.Coordinator[api.QAResponse]

	catalogTimeout  time.Duration
	classifyTimeout time.Duration
	qaTimeout       time.Duration

	resetCommands map[string]struct{}

	mu              sync.Mutex
	state           State
	messages        []Message
	selectedPlant   string
	pendingQuestion string
	sessionID       string
	epoch           uint64
	onMessage       func(Message)
}

// New creates an Orchestrator from cfg. The durable cache is opened (and
// swept once) here; storage failure degrades to a cache-less run, never an
// error.
func New(cfg Config) (*Orchestrator, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	store := cache.Open(string(cfg.Cache.Driver), cfg.Cache.DSN)
	if n := store.Sweep(context.Background()); n > 0 {
		logging.Logger.Info("cache sweep at startup", "deleted", n)
	}

	breaker := func() *circuitbreaker.CircuitBreaker {
		return circuitbreaker.New(
			cfg.API.Breaker.FailureThreshold,
			cfg.API.Breaker.SuccessThreshold,
			time.Duration(cfg.API.Breaker.OpenTimeoutMS)*time.Millisecond,
		)
	}

	commands := cfg.Chat.ResetCommands
	if len(commands) == 0 {
		commands = defaultResetCommands
	}
	resetCommands := make(map[string]struct{}, len(commands))
	for _, cmd := range commands {
		resetCommands[strings.ToLower(strings.TrimSpace(cmd))] = struct{}{}
	}

	return &Orchestrator{
		cfg:             cfg,
		client:          api.New(cfg.API.BaseURL),
		store:           store,
		catalog:         coordinator.New[api.Catalog]("plants", store, cache.Plants, breaker()),
		classify:        coordinator.New[api.ClassifyResponse]("classify", store, cache.Classifications, breaker()),
		qa:              coordinator.New[api.QAResponse]("qa", store, cache.QA, breaker()),
		catalogTimeout:  timeoutOrDefault(cfg.API.CatalogTimeoutMS, defaultCatalogTimeout),
		classifyTimeout: timeoutOrDefault(cfg.API.ClassifyTimeoutMS, defaultClassifyTimeout),
		qaTimeout:       timeoutOrDefault(cfg.API.QATimeoutMS, defaultQATimeout),
		resetCommands:   resetCommands,
		state:           StateIdle,
		sessionID:       logging.NewSessionID(),
	}, nil
}

func timeoutOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// OnMessage registers a hook invoked synchronously for every appended
// message. Pass nil to remove it.
func (o *Orchestrator) OnMessage(fn func(Message)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onMessage = fn
}

// Submit processes one user turn. A recognized reset command takes
// precedence over every other interpretation of the input. Text with images
// defers the text as the pending question; text alone asks it, scoped to the
// selected plant if any. Upstream failures resolve into a Bot message, not
// an error; only invalid input is returned as an error.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) error {
	text := strings.TrimSpace(in.Text)
	if _, ok := o.resetCommands[strings.ToLower(text)]; ok && text != "" {
		o.Reset(ctx)
		return nil
	}
	if len(in.Images) > 0 {
		return o.submitImages(ctx, in.Images, text)
	}
	if text == "" {
		return ErrEmptySubmit
	}
	return o.submitQuestion(ctx, text, true)
}

func (o *Orchestrator) submitImages(ctx context.Context, images []ImageAttachment, text string) error {
	ids := make([]cachekey.ImageID, len(images))
	uploads := make([]api.Upload, len(images))
	names := make([]string, len(images))
	for i, img := range images {
		ids[i] = cachekey.ImageID{Name: img.Name, Size: int64(len(img.Data)), ModTime: img.ModTime.UnixMilli()}
		uploads[i] = img.Upload()
		names[i] = img.Name
	}

	if len(names) == 1 {
		o.append(newMessage(SenderUser, KindImage, names[0]))
	} else {
		o.append(newMessage(SenderUser, KindMultiImage, names))
	}
	if text != "" {
		o.append(newMessage(SenderUser, KindText, text))
	}

	o.mu.Lock()
	epoch := o.epoch
	o.pendingQuestion = text
	o.setStateLocked(StateClassifying)
	o.mu.Unlock()

	resp, err := o.classify.Fetch(ctx, cachekey.ForImages(ids), func(ctx context.Context) (api.ClassifyResponse, error) {
		r, err := o.client.Classify(ctx, uploads)
		if err != nil {
			return api.ClassifyResponse{}, err
		}
		return *r, nil
	}, coordinator.Options{Timeout: o.classifyTimeout})

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		if coordinator.IsAborted(err) {
			o.mu.Unlock()
			return nil
		}
		o.pendingQuestion = ""
		o.setStateLocked(stateAfterFailure(err))
		o.mu.Unlock()
		o.append(newMessage(SenderBot, KindText, failureText(err)))
		return nil
	}

	switch {
	case resp.Empty():
		o.pendingQuestion = ""
		o.setStateLocked(StateIdle)
		o.mu.Unlock()
		o.append(newMessage(SenderBot, KindText, msgNoMatch))
	case resp.OutOfDistribution():
		o.pendingQuestion = ""
		o.setStateLocked(StateIdle)
		o.mu.Unlock()
		o.append(newMessage(SenderBot, KindText, msgOutOfScope))
	default:
		o.setStateLocked(StateAwaitingSelection)
		o.mu.Unlock()
		o.append(newMessage(SenderBot, KindClassificationResults, resp.Results))
	}
	return nil
}

func (o *Orchestrator) submitQuestion(ctx context.Context, text string, echo bool) error {
	if echo {
		o.append(newMessage(SenderUser, KindText, text))
	}

	o.mu.Lock()
	epoch := o.epoch
	label := o.selectedPlant
	session := o.sessionID
	o.setStateLocked(StateAwaitingAnswer)
	o.mu.Unlock()

	resp, err := o.qa.Fetch(ctx, cachekey.ForQuestion(label, text), func(ctx context.Context) (api.QAResponse, error) {
		r, err := o.client.Answer(ctx, api.QARequest{Question: text, Label: label, SessionID: session})
		if err != nil {
			return api.QAResponse{}, err
		}
		return *r, nil
	}, coordinator.Options{Timeout: o.qaTimeout})

	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		if coordinator.IsAborted(err) {
			o.mu.Unlock()
			return nil
		}
		o.setStateLocked(stateAfterFailure(err))
		o.mu.Unlock()
		o.append(newMessage(SenderBot, KindText, failureText(err)))
		return nil
	}

	if resp.SessionID != "" {
		o.sessionID = resp.SessionID
	}
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
	o.append(newMessage(SenderBot, KindText, resp.Answer))
	return nil
}

// SelectPlant chooses a classification candidate. The label may carry a
// trailing confidence suffix; it is stripped before use. When a question was
// deferred during classification it is asked immediately with the chosen
// label.
func (o *Orchestrator) SelectPlant(ctx context.Context, label string) error {
	clean := api.CleanLabel(label)

	o.mu.Lock()
	if o.state != StateAwaitingSelection {
		o.mu.Unlock()
		return ErrNoSelectionPending
	}
	o.selectedPlant = clean
	question := o.pendingQuestion
	o.pendingQuestion = ""
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	o.append(newMessage(SenderUser, KindSelectionConfirmation, clean))
	if question != "" {
		return o.submitQuestion(ctx, question, false)
	}
	o.append(newMessage(SenderBot, KindText, fmt.Sprintf(msgAskPrompt, clean)))
	return nil
}

// Reset returns the conversation to the idle state: the selected plant, the
// pending question, and any in-flight classification or answer are
// discarded. The upstream conversation memory is reset best-effort.
func (o *Orchestrator) Reset(ctx context.Context) {
	o.mu.Lock()
	o.epoch++
	o.selectedPlant = ""
	o.pendingQuestion = ""
	o.setStateLocked(StateIdle)
	session := o.sessionID
	o.mu.Unlock()

	o.classify.Cancel()
	o.qa.Cancel()

	if err := o.client.ResetConversation(ctx, session); err != nil {
		logging.FromContext(ctx).Warn("upstream conversation reset failed", "error", err.Error())
	}
	o.append(newMessage(SenderBot, KindText, msgReset))
}

// Ask asks a one-off question outside the conversation flow, scoped to
// label when non-empty, through the same cache and coordinator. Unlike
// Submit it does not touch the conversation log and returns failures
// directly.
func (o *Orchestrator) Ask(ctx context.Context, question, label string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptySubmit
	}
	label = api.CleanLabel(label)

	o.mu.Lock()
	session := o.sessionID
	o.mu.Unlock()

	resp, err := o.qa.Fetch(ctx, cachekey.ForQuestion(label, question), func(ctx context.Context) (api.QAResponse, error) {
		r, err := o.client.Answer(ctx, api.QARequest{Question: question, Label: label, SessionID: session})
		if err != nil {
			return api.QAResponse{}, err
		}
		return *r, nil
	}, coordinator.Options{Timeout: o.qaTimeout})
	if err != nil {
		return "", err
	}
	return resp.Answer, nil
}

// Catalog returns the plant catalog, cache-first. force bypasses the cache.
func (o *Orchestrator) Catalog(ctx context.Context, force bool) (api.Catalog, error) {
	return o.catalog.Fetch(ctx, cachekey.ForCatalog(), func(ctx context.Context) (api.Catalog, error) {
		return o.client.Plants(ctx)
	}, coordinator.Options{ForceRefresh: force, Timeout: o.catalogTimeout})
}

// PlantImages returns reference photos for a catalog species.
func (o *Orchestrator) PlantImages(ctx context.Context, scientificName string) (*api.PlantImagesResponse, error) {
	return o.client.PlantImages(ctx, scientificName)
}

// SessionStats returns upstream conversation session statistics.
func (o *Orchestrator) SessionStats(ctx context.Context) (*api.SessionStats, error) {
	return o.client.SessionStats(ctx)
}

// State returns the current conversation state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Messages returns a copy of the conversation log in append order.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// SelectedPlant returns the currently selected species label, or "".
func (o *Orchestrator) SelectedPlant() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selectedPlant
}

// PendingQuestion returns the question deferred during classification, or "".
func (o *Orchestrator) PendingQuestion() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingQuestion
}

// SessionID returns the conversation session identifier.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Store exposes the durable cache for administrative operations.
func (o *Orchestrator) Store() cache.Store {
	return o.store
}

// Close releases the durable cache.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

// setStateLocked transitions the machine; o.mu must be held.
func (o *Orchestrator) setStateLocked(next State) {
	if o.state == next {
		return
	}
	metrics.ConversationTransitions.WithLabelValues(o.state.String(), next.String()).Inc()
	o.state = next
}

// append adds a message to the log and notifies the hook outside the lock.
func (o *Orchestrator) append(msg Message) {
	o.mu.Lock()
	o.messages = append(o.messages, msg)
	fn := o.onMessage
	o.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func stateAfterFailure(err error) State {
	if errors.Is(err, coordinator.ErrUnavailable) {
		return StateError
	}
	return StateIdle
}

// failureText renders an upstream failure as a conversational message.
func failureText(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrTimeout):
		return msgTimeout
	case errors.Is(err, coordinator.ErrUnavailable):
		return msgUnavailable
	case errors.Is(err, api.ErrMalformedResponse):
		return fmt.Sprintf(msgFailure, "phản hồi từ máy chủ không hợp lệ")
	}
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return fmt.Sprintf(msgFailure, httpErr.Message)
	}
	return fmt.Sprintf(msgFailure, err.Error())
}
