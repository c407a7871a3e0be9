package broker

import (
	"bytes"
	"testing"
)

// collect returns a DeliverFunc appending into got.
func collect(got *[]Chunk) DeliverFunc {
	return func(c Chunk) { *got = append(*got, c) }
}

func TestCursorAdvancesByFullWrite(t *testing.T) {
	b := New(4)
	b.Append([]byte("12345\n"))
	if got := b.Cursor(); got != 6 {
		t.Errorf("cursor = %d, want 6", got)
	}
	b.Append([]byte("abcdef\n"))
	if got := b.Cursor(); got != 13 {
		t.Errorf("cursor = %d, want 13", got)
	}
}

func TestLossyReplayDropsEvictedBytes(t *testing.T) {
	b := New(4)
	b.Append([]byte("12345\n"))
	b.Append([]byte("abcdef\n"))

	var got []Chunk
	b.Attach(0, collect(&got))

	var replay bytes.Buffer
	for _, c := range got {
		replay.Write(c.Data)
	}
	if bytes.Contains(replay.Bytes(), []byte("12345")) {
		t.Errorf("replay contains evicted bytes: %q", replay.String())
	}
	if !bytes.HasSuffix(replay.Bytes(), []byte("def\n")) {
		t.Errorf("replay = %q, want suffix %q", replay.String(), "def\n")
	}
}

func TestZeroBudgetRetainsNothing(t *testing.T) {
	b := New(0)
	b.Append([]byte("hello"))
	var got []Chunk
	b.Attach(0, collect(&got))
	if len(got) != 0 {
		t.Errorf("replay = %v, want empty", got)
	}
	if b.Cursor() != 5 {
		t.Errorf("cursor = %d, want 5", b.Cursor())
	}
}

func TestFullBudgetReplaysEverything(t *testing.T) {
	b := New(1024)
	b.Append([]byte("one"))
	b.Append([]byte("two"))
	var got []Chunk
	b.Attach(0, collect(&got))

	var replay bytes.Buffer
	for _, c := range got {
		replay.Write(c.Data)
	}
	if replay.String() != "onetwo" {
		t.Errorf("replay = %q, want %q", replay.String(), "onetwo")
	}
}

func TestOversizeChunkTruncatedToTail(t *testing.T) {
	b := New(4)
	b.Append([]byte("abcdefgh"))

	tail := b.Tail()
	if len(tail) != 1 {
		t.Fatalf("tail chunks = %d, want 1", len(tail))
	}
	if string(tail[0].Data) != "efgh" {
		t.Errorf("retained = %q, want %q", tail[0].Data, "efgh")
	}
	// Cursor reflects the full logical write, not the truncated remainder.
	if tail[0].Cursor != 8 {
		t.Errorf("cursor = %d, want 8", tail[0].Cursor)
	}
}

func TestLiveDeliveryStrictlyIncreasing(t *testing.T) {
	b := New(8)
	var got []Chunk
	b.Attach(0, collect(&got))

	b.Append([]byte("aa"))
	b.Append([]byte("bb"))
	b.Append([]byte("cc"))

	if len(got) != 3 {
		t.Fatalf("delivered %d chunks, want 3", len(got))
	}
	var prev uint64
	for i, c := range got {
		if c.Cursor <= prev {
			t.Errorf("chunk %d cursor %d not increasing past %d", i, c.Cursor, prev)
		}
		prev = c.Cursor
	}
}

func TestLiveSubscriberSeesFullOversizeChunk(t *testing.T) {
	b := New(4)
	var got []Chunk
	b.Attach(0, collect(&got))
	b.Append([]byte("abcdefgh"))
	if len(got) != 1 || string(got[0].Data) != "abcdefgh" {
		t.Errorf("live delivery = %v, want full chunk", got)
	}
}

func TestAttachSinceMidStream(t *testing.T) {
	b := New(1024)
	b.Append([]byte("one"))  // cursor 3
	b.Append([]byte("two"))  // cursor 6
	b.Append([]byte("three")) // cursor 11

	var got []Chunk
	b.Attach(3, collect(&got))
	if len(got) != 2 {
		t.Fatalf("replay chunks = %d, want 2", len(got))
	}
	if string(got[0].Data) != "two" || string(got[1].Data) != "three" {
		t.Errorf("replay = %q,%q", got[0].Data, got[1].Data)
	}
}

func TestDeactivateStopsDelivery(t *testing.T) {
	b := New(8)
	var got []Chunk
	b.Attach(0, collect(&got))
	b.Deactivate()
	b.Append([]byte("late"))
	if len(got) != 0 {
		t.Errorf("delivered after deactivate: %v", got)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	b := New(8)
	var got []Chunk
	id := b.Attach(0, collect(&got))
	b.Detach(id)
	b.Append([]byte("x"))
	if len(got) != 0 {
		t.Errorf("delivered after detach: %v", got)
	}
}
