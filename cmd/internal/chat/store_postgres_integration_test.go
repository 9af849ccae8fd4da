package chat

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/internal/ids"
)

// Integration tests are enabled when BAZAAR_DATABASE_URL is set.
// Each test migrates into its own throwaway schema.

func TestPostgresStore_ResolveIsUniqueUnderRace(t *testing.T) {
	t.Parallel()

	store := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	subject := SubjectRef{Kind: SubjectListing, ID: "it-" + ids.MustULID(time.Now())}
	const n = 8

	var wg sync.WaitGroup
	got := make([]ResolveResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = store.ResolveConversation(ctx, ResolveParams{
				ID:       ids.MustULID(time.Now()),
				Subject:  subject,
				BuyerID:  "buyer",
				SellerID: "seller",
				Now:      time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if got[i].Conversation.ID != got[0].Conversation.ID {
			t.Fatalf("resolve %d: id=%s want %s", i, got[i].Conversation.ID, got[0].Conversation.ID)
		}
		if got[i].Created {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
}

func TestPostgresStore_AppendListReadDelete(t *testing.T) {
	t.Parallel()

	store := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := store.ResolveConversation(ctx, ResolveParams{
		ID:       ids.MustULID(time.Now()),
		Subject:  SubjectRef{Kind: SubjectTrade, ID: "trade-it"},
		BuyerID:  "buyer",
		SellerID: "seller",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	convID := res.Conversation.ID

	now := time.Now().UTC()
	payload, err := Encode(TextContent("hello"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var sent []Message
	for i := 0; i < 3; i++ {
		out, err := store.AppendMessage(ctx, AppendParams{
			MessageID:      ids.MustULID(now),
			ConversationID: convID,
			SenderID:       "buyer",
			ClientMsgID:    "c-" + string(rune('a'+i)),
			Kind:           KindText,
			Payload:        payload,
			Now:            now, // same instant on purpose
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		sent = append(sent, out.Message)
	}
	for i := 1; i < len(sent); i++ {
		if !sent[i].CreatedAt.After(sent[i-1].CreatedAt) {
			t.Fatalf("created_at not strictly increasing: %v then %v", sent[i-1].CreatedAt, sent[i].CreatedAt)
		}
		if sent[i].Seq != sent[i-1].Seq+1 {
			t.Fatalf("seq gap: %d then %d", sent[i-1].Seq, sent[i].Seq)
		}
	}

	dup, err := store.AppendMessage(ctx, AppendParams{
		MessageID:      ids.MustULID(now),
		ConversationID: convID,
		SenderID:       "buyer",
		ClientMsgID:    "c-a",
		Kind:           KindText,
		Payload:        payload,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("append dup: %v", err)
	}
	if !dup.Duplicated || dup.Message.ID != sent[0].ID {
		t.Fatalf("expected duplicate of %s, got %+v", sent[0].ID, dup)
	}

	page, err := store.ListMessages(ctx, ListMessagesParams{ConversationID: convID, AfterID: sent[0].ID, Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != sent[1].ID || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Messages[0].Content.Text != "hello" {
		t.Fatalf("content not decoded: %+v", page.Messages[0].Content)
	}

	if _, err := store.ListMessages(ctx, ListMessagesParams{ConversationID: convID, AfterID: "missing"}); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}

	unread, err := store.UnreadCount(ctx, convID, "seller")
	if err != nil || unread != 3 {
		t.Fatalf("unread: n=%d err=%v", unread, err)
	}

	del, err := store.SoftDeleteMessage(ctx, SoftDeleteParams{ConversationID: convID, MessageID: sent[2].ID, ActorID: "buyer", Now: time.Now().UTC()})
	if err != nil || !del.Changed || !del.Message.Deleted() {
		t.Fatalf("soft delete: %+v err=%v", del, err)
	}
	if _, err := store.SoftDeleteMessage(ctx, SoftDeleteParams{ConversationID: convID, MessageID: sent[1].ID, ActorID: "seller"}); !errors.Is(err, ErrNotSender) {
		t.Fatalf("expected ErrNotSender, got %v", err)
	}

	unread, err = store.UnreadCount(ctx, convID, "seller")
	if err != nil || unread != 2 {
		t.Fatalf("unread after delete: n=%d err=%v", unread, err)
	}
	n, err := store.MarkRead(ctx, convID, "seller")
	if err != nil || n != 2 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	n, err = store.MarkRead(ctx, convID, "seller")
	if err != nil || n != 0 {
		t.Fatalf("mark read again: n=%d err=%v", n, err)
	}

	last, ok, err := store.LastMessageFrom(ctx, convID, "buyer")
	if err != nil || !ok || last.ID != sent[1].ID || !last.IsRead {
		t.Fatalf("last message: %+v ok=%v err=%v", last, ok, err)
	}

	if _, err := store.DeleteConversation(ctx, convID, "buyer"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := store.DeleteConversation(ctx, convID, "seller"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := store.GetConversation(ctx, convID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestPostgresStore_BlocksAndMute(t *testing.T) {
	t.Parallel()

	store := mustNewTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := store.ResolveConversation(ctx, ResolveParams{
		ID:       ids.MustULID(time.Now()),
		Subject:  SubjectRef{Kind: SubjectListing, ID: "listing-it"},
		BuyerID:  "buyer",
		SellerID: "seller",
		Now:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	muted, err := store.SetMuted(ctx, res.Conversation.ID, "buyer", true)
	if err != nil || !muted.BuyerMuted || muted.SellerMuted {
		t.Fatalf("mute: %+v err=%v", muted, err)
	}
	if !muted.UpdatedAt.Equal(res.Conversation.UpdatedAt) {
		t.Fatalf("mute must not bump updated_at")
	}

	if _, err := store.UpsertBlock(ctx, Block{BlockerID: "seller", BlockedID: "buyer", Reason: "spam", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("block: %v", err)
	}
	b, err := store.UpsertBlock(ctx, Block{BlockerID: "seller", BlockedID: "buyer", CreatedAt: time.Now().UTC()})
	if err != nil || b.Reason != "spam" {
		t.Fatalf("re-block: %+v err=%v", b, err)
	}

	blocked, err := store.IsBlocked(ctx, "buyer", "seller")
	if err != nil || !blocked {
		t.Fatalf("is blocked (reverse order): %v err=%v", blocked, err)
	}

	payload, _ := Encode(TextContent("hi"))
	_, err = store.AppendMessage(ctx, AppendParams{
		MessageID:      ids.MustULID(time.Now()),
		ConversationID: res.Conversation.ID,
		SenderID:       "buyer",
		Kind:           KindText,
		Payload:        payload,
		Now:            time.Now().UTC(),
	})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}

	_, err = store.ResolveConversation(ctx, ResolveParams{
		ID:       ids.MustULID(time.Now()),
		Subject:  SubjectRef{Kind: SubjectListing, ID: "listing-it-2"},
		BuyerID:  "buyer",
		SellerID: "seller",
		Now:      time.Now().UTC(),
	})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked on resolve, got %v", err)
	}

	if err := store.DeleteBlock(ctx, "seller", "buyer"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if blocked, _ := store.IsBlocked(ctx, "seller", "buyer"); blocked {
		t.Fatalf("still blocked after unblock")
	}
}

func mustNewTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "bazaar_it_" + strings.ToLower(ids.MustULID(time.Now()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BAZAAR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BAZAAR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}
