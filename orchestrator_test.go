package plantchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/leaf-labs/plantchat/api"
	"github.com/leaf-labs/plantchat/internal/mockapi"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *mockapi.Server) {
	t.Helper()
	mock := mockapi.New()
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	o, err := New(Config{
		API:   APIConfig{BaseURL: srv.URL},
		Cache: CacheConfig{Driver: DriverMemory},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o, mock
}

func leafImage(name string) ImageAttachment {
	return ImageAttachment{Name: name, Data: []byte("jpegdata"), ModTime: time.Unix(1700000000, 0)}
}

func lastMessage(t *testing.T, o *Orchestrator) Message {
	t.Helper()
	msgs := o.Messages()
	if len(msgs) == 0 {
		t.Fatal("conversation log is empty")
	}
	return msgs[len(msgs)-1]
}

func TestSubmit_TextOnlyUnscopedQuestion(t *testing.T) {
	o, mock := newTestOrchestrator(t)

	if err := o.Submit(context.Background(), SubmitInput{Text: "Công dụng là gì?"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle after answer, got %s", o.State())
	}
	msgs := o.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user + bot messages, got %d", len(msgs))
	}
	if msgs[0].Sender != SenderUser || msgs[0].Kind != KindText {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Sender != SenderBot || msgs[1].Text() == "" {
		t.Errorf("expected bot answer, got %+v", msgs[1])
	}
	if mock.QACalls() != 1 {
		t.Errorf("expected 1 qa call, got %d", mock.QACalls())
	}
}

func TestSubmit_ImageOpensSelection(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if err := o.Submit(context.Background(), SubmitInput{Images: []ImageAttachment{leafImage("leaf.jpg")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.State() != StateAwaitingSelection {
		t.Fatalf("expected awaiting_selection, got %s", o.State())
	}
	last := lastMessage(t, o)
	if last.Kind != KindClassificationResults {
		t.Fatalf("expected classification results, got %s", last.Kind)
	}
	results, ok := last.Payload.([]api.ClassificationResult)
	if !ok || len(results) != 2 {
		t.Errorf("unexpected results payload %+v", last.Payload)
	}
}

func TestSubmit_OutOfDistributionReturnsToIdle(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	err := o.Submit(context.Background(), SubmitInput{
		Text:   "Cây gì đây?",
		Images: []ImageAttachment{leafImage("unknown.jpg")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle after OOD, got %s", o.State())
	}
	if o.PendingQuestion() != "" {
		t.Errorf("expected pending question discarded, got %q", o.PendingQuestion())
	}
	last := lastMessage(t, o)
	if last.Sender != SenderBot || !strings.Contains(last.Text(), "không tồn tại trong cơ sở dữ liệu") {
		t.Errorf("expected explanatory OOD message, got %+v", last)
	}
}

func TestSubmit_EmptyResultsReturnToIdle(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if err := o.Submit(context.Background(), SubmitInput{Images: []ImageAttachment{leafImage("empty.jpg")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle, got %s", o.State())
	}
	if got := lastMessage(t, o).Text(); got != msgNoMatch {
		t.Errorf("expected no-match message, got %q", got)
	}
}

func TestSubmit_ImageWithTextDefersQuestion(t *testing.T) {
	o, mock := newTestOrchestrator(t)

	question := "Cách nhận biết?"
	err := o.Submit(context.Background(), SubmitInput{
		Text:   question,
		Images: []ImageAttachment{leafImage("leaf.jpg")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.PendingQuestion() != question {
		t.Fatalf("expected deferred question %q, got %q", question, o.PendingQuestion())
	}
	if mock.QACalls() != 0 {
		t.Fatalf("expected no qa call before selection, got %d", mock.QACalls())
	}

	if err := o.SelectPlant(context.Background(), "Ficus religiosa (91.00%)"); err != nil {
		t.Fatalf("SelectPlant: %v", err)
	}
	if o.SelectedPlant() != "Ficus religiosa" {
		t.Errorf("expected confidence suffix stripped, got %q", o.SelectedPlant())
	}
	if o.PendingQuestion() != "" {
		t.Errorf("expected pending question consumed, got %q", o.PendingQuestion())
	}
	if mock.QACalls() != 1 {
		t.Errorf("expected the deferred question to fire exactly once, got %d", mock.QACalls())
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle after the automatic answer, got %s", o.State())
	}
	last := lastMessage(t, o)
	if last.Sender != SenderBot || last.Text() == "" {
		t.Errorf("expected bot answer, got %+v", last)
	}
}

func TestSelectPlant_WithoutPendingQuestionPrompts(t *testing.T) {
	o, mock := newTestOrchestrator(t)

	if err := o.Submit(context.Background(), SubmitInput{Images: []ImageAttachment{leafImage("leaf.jpg")}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := o.SelectPlant(context.Background(), "Ficus religiosa"); err != nil {
		t.Fatalf("SelectPlant: %v", err)
	}
	if mock.QACalls() != 0 {
		t.Errorf("expected no qa call, got %d", mock.QACalls())
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle, got %s", o.State())
	}
	last := lastMessage(t, o)
	if !strings.Contains(last.Text(), "Ficus religiosa") {
		t.Errorf("expected ask-a-question prompt naming the plant, got %q", last.Text())
	}
}

func TestSelectPlant_RequiresPendingSelection(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.SelectPlant(context.Background(), "Ficus religiosa"); !errors.Is(err, ErrNoSelectionPending) {
		t.Errorf("expected ErrNoSelectionPending, got %v", err)
	}
}

func TestSubmit_ScopedQuestionUsesSelectedPlant(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_ = o.Submit(context.Background(), SubmitInput{Images: []ImageAttachment{leafImage("leaf.jpg")}})
	_ = o.SelectPlant(context.Background(), "Ficus religiosa")

	if err := o.Submit(context.Background(), SubmitInput{Text: "Công dụng là gì?"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	last := lastMessage(t, o)
	// the mock has a canned answer only for the Ficus religiosa label
	if !strings.Contains(last.Text(), "Bồ đề") {
		t.Errorf("expected label-scoped answer, got %q", last.Text())
	}
}

func TestResetCommand_TakesPrecedence(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_ = o.Submit(context.Background(), SubmitInput{
		Text:   "Cách nhận biết?",
		Images: []ImageAttachment{leafImage("leaf.jpg")},
	})
	if o.State() != StateAwaitingSelection {
		t.Fatalf("setup: expected awaiting_selection, got %s", o.State())
	}

	// reset is recognized before any other interpretation, case-insensitively,
	// even with images attached
	err := o.Submit(context.Background(), SubmitInput{
		Text:   "  ReSeT  ",
		Images: []ImageAttachment{leafImage("other.jpg")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle after reset, got %s", o.State())
	}
	if o.SelectedPlant() != "" || o.PendingQuestion() != "" {
		t.Errorf("expected cleared selection and pending question, got %q / %q",
			o.SelectedPlant(), o.PendingQuestion())
	}
	if got := lastMessage(t, o).Text(); got != msgReset {
		t.Errorf("expected reset confirmation, got %q", got)
	}
}

func TestResetCommand_Configurable(t *testing.T) {
	mock := mockapi.New()
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	o, err := New(Config{
		API:   APIConfig{BaseURL: srv.URL},
		Cache: CacheConfig{Driver: DriverMemory},
		Chat:  ChatConfig{ResetCommands: []string{"làm mới"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	if err := o.Submit(context.Background(), SubmitInput{Text: "làm mới"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := lastMessage(t, o).Text(); got != msgReset {
		t.Errorf("expected reset confirmation, got %q", got)
	}

	// the default commands are replaced, so "reset" is just a question now
	if err := o.Submit(context.Background(), SubmitInput{Text: "reset"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if mock.QACalls() != 1 {
		t.Errorf("expected %q to reach the qa endpoint, got %d calls", "reset", mock.QACalls())
	}
}

func TestSubmit_EmptyTurnRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.Submit(context.Background(), SubmitInput{Text: "   "}); !errors.Is(err, ErrEmptySubmit) {
		t.Errorf("expected ErrEmptySubmit, got %v", err)
	}
}

func TestClassification_CachedAcrossSubmits(t *testing.T) {
	o, mock := newTestOrchestrator(t)

	img := leafImage("leaf.jpg")
	for i := 0; i < 2; i++ {
		if err := o.Submit(context.Background(), SubmitInput{Images: []ImageAttachment{img}}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if mock.ClassifyCalls() != 1 {
		t.Errorf("expected the repeat submit to hit the cache, got %d calls", mock.ClassifyCalls())
	}
}

func TestQuestion_CachedByLabelAndText(t *testing.T) {
	o, mock := newTestOrchestrator(t)

	for i := 0; i < 2; i++ {
		if err := o.Submit(context.Background(), SubmitInput{Text: "Công dụng là gì?"}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if mock.QACalls() != 1 {
		t.Errorf("expected the repeat question to hit the cache, got %d calls", mock.QACalls())
	}
}

func TestCatalog_ForceRefresh(t *testing.T) {
	o, mock := newTestOrchestrator(t)

	for i := 0; i < 2; i++ {
		if _, err := o.Catalog(context.Background(), false); err != nil {
			t.Fatalf("Catalog: %v", err)
		}
	}
	if mock.PlantsCalls() != 1 {
		t.Fatalf("expected cached catalog, got %d calls", mock.PlantsCalls())
	}

	if _, err := o.Catalog(context.Background(), true); err != nil {
		t.Fatalf("Catalog force: %v", err)
	}
	if mock.PlantsCalls() != 2 {
		t.Errorf("expected force refresh to contact the network, got %d calls", mock.PlantsCalls())
	}
}

func TestSubmit_UpstreamFailureResolvesToIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"model not loaded"}`))
	}))
	defer srv.Close()

	o, err := New(Config{
		API:   APIConfig{BaseURL: srv.URL},
		Cache: CacheConfig{Driver: DriverMemory},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	err = o.Submit(context.Background(), SubmitInput{
		Text:   "Cây gì?",
		Images: []ImageAttachment{leafImage("leaf.jpg")},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.State() != StateIdle {
		t.Errorf("expected idle after failure, got %s", o.State())
	}
	if o.PendingQuestion() != "" {
		t.Errorf("expected pending question cleared on failure, got %q", o.PendingQuestion())
	}
	last := lastMessage(t, o)
	if last.Sender != SenderBot || !strings.Contains(last.Text(), "model not loaded") {
		t.Errorf("expected bot error message with server detail, got %+v", last)
	}
}

func TestOrchestrator_WorksWithoutCache(t *testing.T) {
	mock := mockapi.New()
	srv := httptest.NewServer(mock.Handler())
	defer srv.Close()

	o, err := New(Config{
		API:   APIConfig{BaseURL: srv.URL},
		Cache: CacheConfig{Driver: DriverNone},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.Close()

	img := leafImage("leaf.jpg")
	for i := 0; i < 2; i++ {
		if err := o.Submit(context.Background(), SubmitInput{Images: []ImageAttachment{img}}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if mock.ClassifyCalls() != 2 {
		t.Errorf("expected always-miss without cache, got %d calls", mock.ClassifyCalls())
	}
	if o.State() != StateAwaitingSelection {
		t.Errorf("expected the flow to function in pass-through mode, got %s", o.State())
	}
}

func TestOnMessage_ObservesAppends(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var seen []Message
	o.OnMessage(func(m Message) { seen = append(seen, m) })

	if err := o.Submit(context.Background(), SubmitInput{Text: "Công dụng là gì?"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(seen) != len(o.Messages()) {
		t.Errorf("hook saw %d messages, log has %d", len(seen), len(o.Messages()))
	}
}

func TestSessionID_AdoptedFromUpstream(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	before := o.SessionID()
	if before == "" {
		t.Fatal("expected a session id at construction")
	}
	if err := o.Submit(context.Background(), SubmitInput{Text: "Câu hỏi?"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.SessionID() == "" {
		t.Error("expected a session id after the first answer")
	}
}
