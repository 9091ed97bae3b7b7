package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
	"rehabchat/internal/transcript"
)

type controllerFixture struct {
	controller *SessionController
	backend    *fakeBackend
	synth      *fakeSynthesizer
	player     *fakePlayer
	events     *fakeEventSink
	store      *transcript.Store
}

func newControllerFixture(backend *fakeBackend) controllerFixture {
	f := controllerFixture{
		backend: backend,
		synth:   &fakeSynthesizer{},
		player:  &fakePlayer{},
		events:  newFakeEventSink(),
		store:   transcript.NewStore(),
	}
	f.controller = NewSessionController(backend, f.synth, f.player, f.store, f.events, zerolog.Nop())
	return f
}

func fallHistory() domain.Question {
	return domain.Question{
		ID:              1,
		Kind:            "yesno",
		Prompt:          "跌倒史？",
		ScoringCriteria: map[string]int{"是": 2, "否": 0},
	}
}

func TestEnterModeResetsToGreeting(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{question: fallHistory()})
	ctx := context.Background()

	cases := []struct {
		mode     domain.Mode
		greeting string
	}{
		{mode: domain.ModeAssistantChat, greeting: GreetingAssistantChat},
		{mode: domain.ModeDocumentUpload, greeting: GreetingDocumentUpload},
		{mode: domain.ModeQuestionnaire, greeting: "跌倒史？"},
		{mode: domain.ModeAssistantChat, greeting: GreetingAssistantChat},
		{mode: domain.ModeQuestionnaire, greeting: "跌倒史？"},
		{mode: domain.ModeDocumentUpload, greeting: GreetingDocumentUpload},
	}

	for i, tc := range cases {
		if err := f.controller.EnterMode(ctx, tc.mode); err != nil {
			t.Fatalf("%s: enter failed: %v", tc.mode, err)
		}
		messages := f.controller.Transcript()
		if len(messages) != 1 || messages[0].Text != tc.greeting || messages[0].Speaker != domain.SpeakerConsultant {
			t.Fatalf("%s: unexpected transcript: %+v", tc.mode, messages)
		}
		state := f.controller.State()
		if state.Mode != tc.mode || state.Epoch != uint64(i+1) || state.FinalScore != nil {
			t.Fatalf("%s: unexpected state: %+v", tc.mode, state)
		}
		if (state.CurrentQuestion != nil) != (tc.mode == domain.ModeQuestionnaire) {
			t.Fatalf("%s: currentQuestion presence mismatch: %+v", tc.mode, state.CurrentQuestion)
		}
	}
}

func TestEnterModeRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{})
	if err := f.controller.EnterMode(context.Background(), domain.Mode("karaoke")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if f.controller.State().Epoch != 0 {
		t.Fatalf("unknown mode must not bump the epoch")
	}
}

func TestEnterQuestionnaireSpeaksFirstQuestion(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{question: fallHistory()})
	if err := f.controller.EnterMode(context.Background(), domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	state := f.controller.State()
	if state.CurrentQuestion == nil || state.CurrentQuestion.ID != 1 || state.CurrentQuestion.ScoringCriteria["是"] != 2 {
		t.Fatalf("unexpected question: %+v", state.CurrentQuestion)
	}
	messages := f.controller.Transcript()
	if messages[0].Audio == nil {
		t.Fatalf("expected first question to carry audio")
	}
	played := f.player.snapshot()
	if len(played) != 1 || played[0].URL != messages[0].Audio.URL {
		t.Fatalf("expected autoplay of the question clip, got %+v", played)
	}
}

func TestEnterQuestionnaireStartFailure(t *testing.T) {
	t.Parallel()

	startErr := errors.New("connection refused")
	f := newControllerFixture(&fakeBackend{startErr: startErr})

	err := f.controller.EnterMode(context.Background(), domain.ModeQuestionnaire)
	if !errors.Is(err, startErr) {
		t.Fatalf("expected start error, got %v", err)
	}
	state := f.controller.State()
	if state.Mode != domain.ModeQuestionnaire || state.CurrentQuestion != nil {
		t.Fatalf("unexpected state: %+v", state)
	}
	messages := f.controller.Transcript()
	if len(messages) != 1 || messages[0].Text != GreetingQuestionnaire {
		t.Fatalf("expected placeholder greeting, got %+v", messages)
	}
	if !f.events.hasError(domain.ErrorCodeNetwork) {
		t.Fatalf("expected network notification")
	}
}

func TestSubmitAnswerEmptyIsNoop(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{question: fallHistory()})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	before := f.controller.State()
	beforeLen := len(f.controller.Transcript())

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := f.controller.SubmitAnswer(ctx, text); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q: expected invalid input, got %v", text, err)
		}
	}

	after := f.controller.State()
	if after.Epoch != before.Epoch || after.CurrentQuestion.ID != before.CurrentQuestion.ID || after.FinalScore != nil {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if got := len(f.controller.Transcript()); got != beforeLen {
		t.Fatalf("transcript changed: %d -> %d", beforeLen, got)
	}
	if len(f.backend.answers) != 0 {
		t.Fatalf("no exchange expected, got %v", f.backend.answers)
	}
}

func TestSubmitAnswerRequiresQuestion(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := f.controller.SubmitAnswer(ctx, "是"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(f.controller.Transcript()) != 1 {
		t.Fatalf("transcript must be untouched")
	}
}

func TestSubmitAnswerFinalScore(t *testing.T) {
	t.Parallel()

	score := 14
	f := newControllerFixture(&fakeBackend{
		question: fallHistory(),
		results:  []ports.AnswerResult{{TotalScore: &score}},
	})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitAnswer(ctx, "是"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	messages := f.controller.Transcript()
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", messages)
	}
	if messages[1].Speaker != domain.SpeakerVisitor || messages[1].Text != "是" {
		t.Fatalf("unexpected visitor message: %+v", messages[1])
	}
	if messages[2].Speaker != domain.SpeakerConsultant || messages[2].Text != "总得分: 14" || messages[2].Audio != nil {
		t.Fatalf("unexpected score message: %+v", messages[2])
	}

	state := f.controller.State()
	if state.FinalScore == nil || *state.FinalScore != 14 {
		t.Fatalf("unexpected final score: %+v", state.FinalScore)
	}
	if state.CurrentQuestion == nil || state.CurrentQuestion.ID != 1 {
		t.Fatalf("current question should be retained, got %+v", state.CurrentQuestion)
	}
	if f.synth.calls() != 1 {
		t.Fatalf("score summary must not be synthesized, synth calls=%d", f.synth.calls())
	}
}

func TestSubmitAnswerNextQuestion(t *testing.T) {
	t.Parallel()

	next := domain.Question{ID: 2, Kind: "yesno", Prompt: "是否使用助行器？", ScoringCriteria: map[string]int{"是": 15, "否": 0}}
	f := newControllerFixture(&fakeBackend{
		question: fallHistory(),
		results:  []ports.AnswerResult{{Question: &next}},
	})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitAnswer(ctx, " 否 "); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	if got := f.backend.answers; len(got) != 1 || got[0] != "否" {
		t.Fatalf("expected trimmed answer, got %v", got)
	}
	state := f.controller.State()
	if state.CurrentQuestion == nil || state.CurrentQuestion.ID != 2 || state.FinalScore != nil {
		t.Fatalf("unexpected state: %+v", state)
	}
	messages := f.controller.Transcript()
	last := messages[len(messages)-1]
	if last.Text != next.Prompt || last.Audio == nil {
		t.Fatalf("expected spoken next question, got %+v", last)
	}
	if played := f.player.snapshot(); len(played) != 2 || played[1].URL != last.Audio.URL {
		t.Fatalf("expected autoplay of the next question, got %+v", played)
	}
}

func TestSubmitAnswerMalformedReply(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{
		question: fallHistory(),
		results:  []ports.AnswerResult{{}},
	})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitAnswer(ctx, "是"); !errors.Is(err, errEmptyAnswerResult) {
		t.Fatalf("expected malformed reply error, got %v", err)
	}
	if !f.events.hasError(domain.ErrorCodeNetwork) {
		t.Fatalf("expected network notification")
	}
	state := f.controller.State()
	if state.CurrentQuestion.ID != 1 || state.FinalScore != nil {
		t.Fatalf("state must be intact: %+v", state)
	}
}

func TestSubmitChatSpeaksReply(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{reply: "建议先休息，避免剧烈运动。"})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitChat(ctx, "膝盖疼怎么办"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	messages := f.controller.Transcript()
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", messages)
	}
	if messages[1].Speaker != domain.SpeakerVisitor || messages[1].Text != "膝盖疼怎么办" {
		t.Fatalf("unexpected visitor message: %+v", messages[1])
	}
	reply := messages[2]
	if reply.Speaker != domain.SpeakerConsultant || reply.Text != "建议先休息，避免剧烈运动。" || reply.Audio == nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if played := f.player.snapshot(); len(played) != 1 || played[0].URL != reply.Audio.URL {
		t.Fatalf("expected autoplay on the reply clip, got %+v", played)
	}
}

func TestSubmitChatSynthesisFailureKeepsText(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{reply: "建议..."})
	f.synth.err = errors.New("tts error 502: access token invalid")
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitChat(ctx, "膝盖疼怎么办"); err != nil {
		t.Fatalf("synthesis failure must not propagate: %v", err)
	}

	messages := f.controller.Transcript()
	if len(messages) != 3 || messages[2].Text != "建议..." || messages[2].Audio != nil {
		t.Fatalf("expected text-only reply, got %+v", messages)
	}
	if len(f.player.snapshot()) != 0 {
		t.Fatalf("nothing should play")
	}
	if !f.events.hasError(domain.ErrorCodeSynthesis) {
		t.Fatalf("expected synthesis notification")
	}
}

func TestSynthesisFailureOnlyAffectsItsMessage(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{reply: "好的"})
	f.synth.failures = []error{errors.New("tts error 502: access token invalid")}
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitChat(ctx, "第一个问题"); err != nil {
		t.Fatalf("first chat failed: %v", err)
	}
	if err := f.controller.SubmitChat(ctx, "第二个问题"); err != nil {
		t.Fatalf("second chat failed: %v", err)
	}

	messages := f.controller.Transcript()
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %+v", messages)
	}
	if messages[2].Audio != nil {
		t.Fatalf("first reply must stay text-only: %+v", messages[2])
	}
	second := messages[4]
	if second.Audio == nil {
		t.Fatalf("second reply must carry audio: %+v", second)
	}
	played := f.player.snapshot()
	if len(played) != 1 || played[0].URL != second.Audio.URL {
		t.Fatalf("expected autoplay on the second reply only, got %+v", played)
	}
	synthesisErrors := 0
	for _, e := range f.events.snapshotErrors() {
		if e.code == domain.ErrorCodeSynthesis {
			synthesisErrors++
		}
	}
	if synthesisErrors != 1 {
		t.Fatalf("expected one synthesis notification, got %d", synthesisErrors)
	}
}

func TestModeSwitchDoesNotInterleaveWithAutoplay(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{reply: "建议先休息"})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	// Switch modes from another goroutine as soon as the clip is attached.
	var once sync.Once
	var wg sync.WaitGroup
	f.controller.OnTranscriptChanged(func(messages []domain.Message) {
		if messages[len(messages)-1].Audio == nil {
			return
		}
		once.Do(func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = f.controller.EnterMode(ctx, domain.ModeDocumentUpload)
			}()
		})
	})

	var referenced bool
	f.player.onPlay = func(handle domain.AudioHandle) {
		time.Sleep(20 * time.Millisecond)
		referenced = hasClip(f.store.Messages(), handle.URL)
	}

	if err := f.controller.SubmitChat(ctx, "膝盖疼怎么办"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	wg.Wait()

	if len(f.player.snapshot()) != 1 {
		t.Fatalf("expected one autoplay, got %+v", f.player.snapshot())
	}
	if !referenced {
		t.Fatalf("autoplay started a clip whose transcript was already reset")
	}
	if state := f.controller.State(); state.Mode != domain.ModeDocumentUpload {
		t.Fatalf("expected mode switch to complete, got %s", state.Mode)
	}
	if messages := f.controller.Transcript(); len(messages) != 1 || messages[0].Text != GreetingDocumentUpload {
		t.Fatalf("unexpected transcript after switch: %+v", messages)
	}
}

func hasClip(messages []domain.Message, url string) bool {
	for _, msg := range messages {
		if msg.Audio != nil && msg.Audio.URL == url {
			return true
		}
	}
	return false
}

func TestSubmitChatNetworkFailure(t *testing.T) {
	t.Parallel()

	chatErr := errors.New("timeout")
	f := newControllerFixture(&fakeBackend{chatErr: chatErr})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitChat(ctx, "你好"); !errors.Is(err, chatErr) {
		t.Fatalf("expected chat error, got %v", err)
	}
	if got := len(f.controller.Transcript()); got != 2 {
		t.Fatalf("expected greeting and visitor message only, got %d", got)
	}
	if !f.events.hasError(domain.ErrorCodeNetwork) {
		t.Fatalf("expected network notification")
	}
	if err := f.controller.SubmitChat(ctx, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSubmitUpload(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{reply: "您的运动能力评估得分为 42 分"})
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeDocumentUpload); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	if err := f.controller.SubmitUpload(ctx, domain.Upload{Name: "report.xlsx"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty upload, got %v", err)
	}
	if err := f.controller.SubmitUpload(ctx, domain.Upload{Name: "report.xlsx", Content: []byte("sheet")}); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	messages := f.controller.Transcript()
	if len(messages) != 3 || messages[1].Text != UploadAnnouncement || messages[2].Audio == nil {
		t.Fatalf("unexpected transcript: %+v", messages)
	}
	if len(f.backend.uploads) != 1 || f.backend.uploads[0].Name != "report.xlsx" {
		t.Fatalf("unexpected uploads: %+v", f.backend.uploads)
	}
}

func TestDispatchSubmitRoutesByMode(t *testing.T) {
	t.Parallel()

	score := 3
	f := newControllerFixture(&fakeBackend{
		question: fallHistory(),
		results:  []ports.AnswerResult{{TotalScore: &score}},
		reply:    "好的",
	})
	ctx := context.Background()

	if err := f.controller.EnterMode(ctx, domain.ModeDocumentUpload); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := f.controller.DispatchSubmit(ctx, "这个表怎么填"); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(f.backend.chats) != 1 || len(f.backend.answers) != 0 {
		t.Fatalf("upload mode text should go to chat: chats=%v answers=%v", f.backend.chats, f.backend.answers)
	}

	if err := f.controller.EnterMode(ctx, domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := f.controller.DispatchSubmit(ctx, "否"); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(f.backend.answers) != 1 || len(f.backend.chats) != 1 {
		t.Fatalf("questionnaire text should go to answer: chats=%v answers=%v", f.backend.chats, f.backend.answers)
	}
}

func TestStaleExchangeIsDiscarded(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: "迟到的回复"}
	f := newControllerFixture(backend)
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	backend.onExchange = func() {
		backend.onExchange = nil
		if err := f.controller.EnterMode(ctx, domain.ModeDocumentUpload); err != nil {
			t.Errorf("switch failed: %v", err)
		}
	}

	if err := f.controller.SubmitChat(ctx, "你好"); !errors.Is(err, ErrStaleExchange) {
		t.Fatalf("expected stale exchange, got %v", err)
	}
	messages := f.controller.Transcript()
	if len(messages) != 1 || messages[0].Text != GreetingDocumentUpload {
		t.Fatalf("stale reply leaked into transcript: %+v", messages)
	}
	if f.synth.calls() != 0 {
		t.Fatalf("stale reply must not be synthesized")
	}
}

func TestStaleFailureIsNotReported(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{chatErr: errors.New("timeout")}
	f := newControllerFixture(backend)
	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	backend.onExchange = func() {
		backend.onExchange = nil
		_ = f.controller.EnterMode(ctx, domain.ModeAssistantChat)
	}

	if err := f.controller.SubmitChat(ctx, "你好"); !errors.Is(err, ErrStaleExchange) {
		t.Fatalf("expected stale exchange, got %v", err)
	}
	if f.events.hasError(domain.ErrorCodeNetwork) {
		t.Fatalf("failures of discarded exchanges are not surfaced")
	}
}

func TestListenersObserveChanges(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(&fakeBackend{question: fallHistory(), reply: "好的"})
	var modes []domain.Mode
	var sizes []int
	f.controller.OnSessionStateChanged(func(state domain.SessionState) {
		modes = append(modes, state.Mode)
	})
	f.controller.OnTranscriptChanged(func(messages []domain.Message) {
		sizes = append(sizes, len(messages))
	})

	ctx := context.Background()
	if err := f.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := f.controller.SubmitChat(ctx, "你好"); err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if err := f.controller.EnterMode(ctx, domain.ModeQuestionnaire); err != nil {
		t.Fatalf("enter failed: %v", err)
	}

	wantModes := []domain.Mode{domain.ModeAssistantChat, domain.ModeQuestionnaire, domain.ModeQuestionnaire}
	if len(modes) != len(wantModes) {
		t.Fatalf("unexpected state notifications: %v", modes)
	}
	for i := range wantModes {
		if modes[i] != wantModes[i] {
			t.Fatalf("unexpected state notifications: %v", modes)
		}
	}

	// greeting, visitor, reply, reply audio, placeholder, question, question audio
	wantSizes := []int{1, 2, 3, 3, 1, 1, 1}
	if len(sizes) != len(wantSizes) {
		t.Fatalf("unexpected transcript notifications: %v", sizes)
	}
	for i := range wantSizes {
		if sizes[i] != wantSizes[i] {
			t.Fatalf("unexpected transcript notifications: %v", sizes)
		}
	}
}
