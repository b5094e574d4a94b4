package domain

import "testing"

func TestBlockTransitionAllowed(t *testing.T) {
	cases := []struct {
		name    string
		from    BlockStatus
		to      BlockStatus
		isHuman bool
		want    bool
	}{
		{"agent proposed to accepted rejected", BlockProposed, BlockAccepted, false, false},
		{"human proposed to accepted allowed", BlockProposed, BlockAccepted, true, true},
		{"agent proposed to superseded allowed", BlockProposed, BlockSuperseded, false, true},
		{"agent accepted to locked rejected", BlockAccepted, BlockLocked, false, false},
		{"human accepted to locked allowed", BlockAccepted, BlockLocked, true, true},
		{"human locked to constant allowed", BlockLocked, BlockConstant, true, true},
		{"agent locked to constant rejected", BlockLocked, BlockConstant, false, false},
		{"constant is terminal", BlockConstant, BlockSuperseded, true, false},
		{"rejected is terminal", BlockRejected, BlockSuperseded, true, false},
		{"unknown edge rejected", BlockProposed, BlockConstant, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BlockTransitionAllowed(tc.from, tc.to, tc.isHuman)
			if got != tc.want {
				t.Errorf("BlockTransitionAllowed(%s, %s, %v) = %v, want %v", tc.from, tc.to, tc.isHuman, got, tc.want)
			}
		})
	}
}

func TestBlockContentEditable(t *testing.T) {
	cases := []struct {
		status  BlockStatus
		isHuman bool
		want    bool
	}{
		{BlockProposed, false, true},
		{BlockProposed, true, true},
		{BlockAccepted, false, false},
		{BlockAccepted, true, true},
		{BlockLocked, true, false},
		{BlockConstant, true, false},
		{BlockRejected, true, false},
	}
	for _, tc := range cases {
		got := BlockContentEditable(tc.status, tc.isHuman)
		if got != tc.want {
			t.Errorf("BlockContentEditable(%s, %v) = %v, want %v", tc.status, tc.isHuman, got, tc.want)
		}
	}
}

func TestTruncateForRevision(t *testing.T) {
	short := "hello"
	if got := TruncateForRevision(short); got != short {
		t.Errorf("short content should be unchanged, got %q", got)
	}

	long := make([]byte, maxRevisionContentBytes+100)
	for i := range long {
		long[i] = 'a'
	}
	got := TruncateForRevision(string(long))
	if len(got) != maxRevisionContentBytes {
		t.Errorf("expected truncation to %d bytes, got %d", maxRevisionContentBytes, len(got))
	}
}
