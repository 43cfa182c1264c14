package synchronizer

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/adwski/babycam-monitor/monitor/metrics"
	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

func newTestSynchronizer() *Synchronizer {
	logger := zerolog.Nop()
	return New(Config{Logger: &logger, Metrics: metrics.NewCollector()})
}

func chatPayload(user, text string, at time.Time) string {
	return fmt.Sprintf(`{"user":%q,"text":%q,"timestamp":%q}`, user, text, at.Format(time.RFC3339))
}

func historyPayload(msgs ...string) []byte {
	body := `{"type":"chat_history","messages":[`
	for i, m := range msgs {
		if i > 0 {
			body += ","
		}
		body += m
	}
	return []byte(body + "]}")
}

func messagePayload(msg string) []byte {
	return []byte(`{"type":"chat_message","message":` + msg + `}`)
}

func authors(log []model.Event) []string {
	out := make([]string, 0, len(log))
	for _, e := range log {
		out = append(out, e.(model.ChatMessage).Author)
	}
	return out
}

func TestSynchronizer_HistoryThenMessage(t *testing.T) {
	s := newTestSynchronizer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := s.HandlePayload(model.ChannelChat, historyPayload(
		chatPayload("a", "1", base),
		chatPayload("b", "2", base.Add(time.Second)),
		chatPayload("c", "3", base.Add(2*time.Second)),
	))
	if err != nil {
		t.Fatalf("HandlePayload(history) error = %v", err)
	}
	if err := s.HandlePayload(model.ChannelChat, messagePayload(chatPayload("d", "4", base.Add(3*time.Second)))); err != nil {
		t.Fatalf("HandlePayload(message) error = %v", err)
	}

	log := s.CurrentLog(model.ChannelChat)
	if got, want := authors(log), []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("log authors = %v, want %v\n%s", got, want, spew.Sdump(log))
	}
	newest, ok := s.Newest(model.ChannelChat)
	if !ok || newest.(model.ChatMessage).Author != "d" {
		t.Errorf("Newest() = %v, %v, want d", newest, ok)
	}
}

func TestSynchronizer_MalformedFrameLeavesLog(t *testing.T) {
	s := newTestSynchronizer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.HandlePayload(model.ChannelChat, historyPayload(
		chatPayload("a", "1", base),
		chatPayload("b", "2", base),
		chatPayload("c", "3", base),
	))
	before := s.CurrentLog(model.ChannelChat)

	err := s.HandlePayload(model.ChannelChat, []byte(`{"type":"chat_message","message":{"user":`))
	var decodeErr *model.FrameDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("HandlePayload() error = %v, want *FrameDecodeError", err)
	}

	after := s.CurrentLog(model.ChannelChat)
	if len(after) != 3 || !reflect.DeepEqual(before, after) {
		t.Errorf("log changed after malformed frame:\nbefore %s\nafter %s", spew.Sdump(before), spew.Sdump(after))
	}
}

func TestSynchronizer_LeadingIncrementStartsLog(t *testing.T) {
	s := newTestSynchronizer()
	raw := []byte(`{"type":"audio_level","message":{"device_id":1,"peak":3200,"alert_level":"RED","timestamp":"2024-01-01T00:00:00"}}`)

	if err := s.HandlePayload(model.ChannelAudio, raw); err != nil {
		t.Fatalf("HandlePayload() error = %v", err)
	}
	if n := s.Len(model.ChannelAudio); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}
	sample, ok := s.LatestSample(model.ChannelAudio)
	if !ok || sample.Peak != 3200 || sample.Severity != model.SeverityRed {
		t.Errorf("LatestSample() = %+v, %v", sample, ok)
	}
}

func TestSynchronizer_SnapshotReplaces(t *testing.T) {
	s := newTestSynchronizer()
	at := time.Unix(0, 0).UTC()

	s.HandleFrame(model.ChannelChat, model.Increment(model.TypeChatMessage, model.ChatMessage{Author: "x", At: at}))
	s.HandleFrame(model.ChannelChat, model.Snapshot(model.TypeChatHistory,
		model.ChatMessage{Author: "a", At: at},
		model.ChatMessage{Author: "b", At: at},
	))

	if got, want := authors(s.CurrentLog(model.ChannelChat)), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("log = %v, want %v", got, want)
	}

	s.HandleFrame(model.ChannelChat, model.Snapshot(model.TypeChatHistory))
	if n := s.Len(model.ChannelChat); n != 0 {
		t.Errorf("Len() after empty snapshot = %d, want 0", n)
	}
}

func TestSynchronizer_SnapshotIsNotAliased(t *testing.T) {
	s := newTestSynchronizer()
	events := []model.Event{model.ChatMessage{Author: "a"}, model.ChatMessage{Author: "b"}}
	s.HandleFrame(model.ChannelChat, model.Snapshot(model.TypeChatHistory, events...))

	events[0] = model.ChatMessage{Author: "mutated"}
	log := s.CurrentLog(model.ChannelChat)
	log[1] = model.ChatMessage{Author: "mutated"}

	if got := authors(s.CurrentLog(model.ChannelChat)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("log = %v, want [a b]", got)
	}
}

func TestSynchronizer_ChannelsAreIndependent(t *testing.T) {
	s := newTestSynchronizer()
	s.HandleFrame(model.ChannelChat, model.Increment(model.TypeChatMessage, model.ChatMessage{Author: "a"}))
	s.HandleFrame(model.ChannelAudio, model.Increment(model.TypeAudioLevel, model.AudioSample{Peak: 1}))

	s.Clear(model.ChannelChat)

	if n := s.Len(model.ChannelChat); n != 0 {
		t.Errorf("chat Len() = %d, want 0", n)
	}
	if n := s.Len(model.ChannelAudio); n != 1 {
		t.Errorf("audio Len() = %d, want 1", n)
	}
	if _, ok := s.LatestSample(model.ChannelChat); ok {
		t.Error("LatestSample(chat) should report no sample")
	}
}

// Replaying any sequence of frames must equal: replace on the latest
// snapshot, then append every later increment; malformed frames are no-ops.
func TestSynchronizer_ReplaySemantics(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < 50; round++ {
		s := newTestSynchronizer()
		var want []string
		n := 0
		next := func() string {
			n++
			return fmt.Sprintf("u%d", n)
		}

		for step := 0; step < 40; step++ {
			switch rng.Intn(4) {
			case 0:
				size := rng.Intn(4)
				msgs := make([]string, 0, size)
				want = want[:0]
				for i := 0; i < size; i++ {
					u := next()
					msgs = append(msgs, chatPayload(u, "h", base))
					want = append(want, u)
				}
				if err := s.HandlePayload(model.ChannelChat, historyPayload(msgs...)); err != nil {
					t.Fatalf("history error = %v", err)
				}
			case 1, 2:
				u := next()
				if err := s.HandlePayload(model.ChannelChat, messagePayload(chatPayload(u, "m", base))); err != nil {
					t.Fatalf("message error = %v", err)
				}
				want = append(want, u)
			default:
				if err := s.HandlePayload(model.ChannelChat, []byte(`{"type":"chat_message","message":{"text":"no user"}}`)); err == nil {
					t.Fatal("expected decode error")
				}
			}

			got := authors(s.CurrentLog(model.ChannelChat))
			if len(got) != len(want) || (len(want) > 0 && !reflect.DeepEqual(got, want)) {
				t.Fatalf("round %d step %d: log = %v, want %v", round, step, got, want)
			}
		}
	}
}

func TestChannelSource(t *testing.T) {
	s := newTestSynchronizer()
	src := s.Source(model.ChannelAudio)

	if _, ok := src.Latest(); ok {
		t.Error("Latest() on empty log should report false")
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.HandleFrame(model.ChannelAudio, model.Increment(model.TypeAudioLevel, model.AudioSample{Peak: 5, At: at}))

	e, ok := src.Latest()
	if !ok || !e.OccurredAt().Equal(at) {
		t.Errorf("Latest() = %v, %v", e, ok)
	}
	if len(src.Log()) != 1 {
		t.Errorf("Log() len = %d, want 1", len(src.Log()))
	}
}

func TestSynchronizer_LatestFollowsOccurrence(t *testing.T) {
	s := newTestSynchronizer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := s.Latest(model.ChannelChat); ok {
		t.Error("Latest() on empty log should report false")
	}
	err := s.HandlePayload(model.ChannelChat, historyPayload(
		chatPayload("a", "1", base.Add(time.Minute)),
		chatPayload("b", "2", base),
	))
	if err != nil {
		t.Fatalf("HandlePayload(history) error = %v", err)
	}

	latest, ok := s.Latest(model.ChannelChat)
	if !ok || latest.(model.ChatMessage).Author != "a" {
		t.Errorf("Latest() = %v, %v, want a", latest, ok)
	}
	newest, _ := s.Newest(model.ChannelChat)
	if newest.(model.ChatMessage).Author != "b" {
		t.Errorf("Newest() = %v, want b", newest)
	}
}
