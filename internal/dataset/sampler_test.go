package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestSamplerPreservesShardOrder(t *testing.T) {
	dir := t.TempDir()
	var shards []string
	var want []string
	for s := 0; s < 5; s++ {
		path := filepath.Join(dir, fmt.Sprintf("shard-%06d.tar", s))
		var members []member
		for k := 0; k < 3; k++ {
			key := fmt.Sprintf("s%d-k%d", s, k)
			members = append(members, stereoMembers(key, 2, 2, 0, 1)...)
			want = append(want, key)
		}
		writeShard(t, path, members)
		shards = append(shards, path)
	}

	for _, workers := range []int{1, 3} {
		got := collectKeys(t, SamplerOptions{Shards: shards, NumWorkers: workers})
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("workers=%d order %v want %v", workers, got, want)
		}
	}
}

func TestSamplerRequiresShards(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{}); err == nil {
		t.Fatal("expected error without shards")
	}
}

func TestSamplerStopsAtBrokenShard(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "shard-000000.tar")
	writeShard(t, good, stereoMembers("a", 2, 2, 0, 1))
	missing := filepath.Join(dir, "shard-000001.tar")

	stream, errCh, err := StartSampler(context.Background(), SamplerOptions{Shards: []string{good, missing}, NumWorkers: 2})
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	var keys []string
	for sample := range stream {
		keys = append(keys, sample.Key)
	}
	if !reflect.DeepEqual(keys, []string{"a"}) {
		t.Fatalf("keys before failure = %v", keys)
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error for missing shard")
	}
}

func collectKeys(t *testing.T, opts SamplerOptions) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	var out []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sample, ok := <-stream:
			if !ok {
				if err := <-errCh; err != nil {
					t.Fatalf("sampler reported error: %v", err)
				}
				return out
			}
			out = append(out, sample.Key)
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
}
