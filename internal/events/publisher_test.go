package events

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisher_PublishToFeatureSubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("feat-a")
	p.Publish(NewEvent(EventTaskStarted, "feat-a", nil))
	p.Publish(NewEvent(EventTaskStarted, "feat-b", nil))

	select {
	case e := <-ch:
		assert.Equal(t, "feat-a", e.Feature)
	case <-time.After(time.Second):
		t.Fatal("expected event for feat-a")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event for other feature: %+v", e)
	default:
	}
}

func TestMemoryPublisher_GlobalSubscriberSeesEverything(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe(GlobalKey)
	p.Publish(NewEvent(EventLevelStarted, "feat-a", nil))
	p.Publish(NewEvent(EventLevelStarted, "feat-b", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected global subscriber to see both events")
		}
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("feat-a")
	p.Unsubscribe("feat-a", ch)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestJSONLPublisher_WritesLine(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/events.jsonl"

	pub, err := NewJSONLPublisher(path, nil)
	require.NoError(t, err)

	pub.Publish(NewEvent(EventHeartbeat, "feat-a", HeartbeatData{ActiveWorkers: 2}))
	pub.Close()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"heartbeat"`)
	assert.Contains(t, string(content), "feat-a")
}

func TestNopPublisher_DiscardsEverything(t *testing.T) {
	p := NewNopPublisher()
	p.Publish(NewEvent(EventHeartbeat, "feat-a", nil))
	ch := p.Subscribe("feat-a")
	_, ok := <-ch
	assert.False(t, ok)
	p.Close()
}
