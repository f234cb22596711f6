package devserver_test

import (
	"fmt"
	"testing"

	"github.com/omochice/foodshare-chat/internal/devserver"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

func TestData_MessagesPageNewestFirst(t *testing.T) {
	data := devserver.NewData()
	_, _, conv := devserver.SeedDemo(data)

	for i := 0; i < 5; i++ {
		if _, _, err := data.AppendMessage(protocol.NewChat(conv.ID, fmt.Sprintf("msg %d", i)), "alice"); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	page, err := data.Messages(conv.ID, "bob", 2, 1)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(page) != 2 || page[0].Content != "msg 3" || page[1].Content != "msg 2" {
		t.Errorf("Messages() = %+v, want [msg 3, msg 2]", page)
	}

	page, _ = data.Messages(conv.ID, "bob", 50, 10)
	if len(page) != 0 {
		t.Errorf("Messages() past the end = %d messages, want 0", len(page))
	}
}

func TestData_RejectsNonParticipants(t *testing.T) {
	data := devserver.NewData()
	_, _, conv := devserver.SeedDemo(data)

	if _, _, err := data.AppendMessage(protocol.NewChat(conv.ID, "hi"), "mallory"); err == nil {
		t.Error("AppendMessage() by non-participant error = nil, want error")
	}
	if _, err := data.Messages(conv.ID, "mallory", 10, 0); err == nil {
		t.Error("Messages() by non-participant error = nil, want error")
	}
	if _, err := data.MarkRead("missing", "alice"); err == nil {
		t.Error("MarkRead() on missing conversation error = nil, want error")
	}
}

func TestData_MarkReadOnlyAffectsIncoming(t *testing.T) {
	data := devserver.NewData()
	_, _, conv := devserver.SeedDemo(data)

	data.AppendMessage(protocol.NewChat(conv.ID, "from alice"), "alice")
	data.AppendMessage(protocol.NewChat(conv.ID, "from bob"), "bob")

	if _, err := data.MarkRead(conv.ID, "bob"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	if got := data.UnreadCount("bob"); got != 0 {
		t.Errorf("UnreadCount(bob) = %d, want 0", got)
	}
	if got := data.UnreadCount("alice"); got != 1 {
		t.Errorf("UnreadCount(alice) = %d, want 1", got)
	}
}
