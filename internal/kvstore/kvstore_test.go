package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestAtomicBatchAppliesEveryCommand(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Atomic(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, ReactionDataKey("g", "p", "r1"), "status", "Created")
		pipe.SAdd(ctx, GroupPipelineStatusKey("g", "p", "Created"), "r1")
		pipe.ZAdd(ctx, GroupStatusKey("g", "Created"), redis.Z{Score: 100, Member: "r1"})
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	status, err := store.Client().HGet(ctx, ReactionDataKey("g", "p", "r1"), "status").Result()
	if err != nil || status != "Created" {
		t.Fatalf("expected status Created, got %q err=%v", status, err)
	}

	members, err := store.Client().SMembers(ctx, GroupPipelineStatusKey("g", "p", "Created")).Result()
	if err != nil || len(members) != 1 || members[0] != "r1" {
		t.Fatalf("expected status set to contain r1, got %v err=%v", members, err)
	}
}

func TestDeadlineScoreOrdersEarliestFirst(t *testing.T) {
	now := time.Now()
	earlier := DeadlineScore(now)
	later := DeadlineScore(now.Add(time.Hour))
	if earlier >= later {
		t.Errorf("expected earlier deadline to sort first: earlier=%v later=%v", earlier, later)
	}
}

func TestQueueKeyLayout(t *testing.T) {
	got := QueueKey("grp", "pipe", 2, "alice", "Created")
	want := "grp:pipe:2:alice:Created:queue"
	if got != want {
		t.Errorf("QueueKey = %q, want %q", got, want)
	}
}
