package cdc

import "time"

// DtOf is the UTC date partition of a change timestamp.
func DtOf(tsMillis int64) string {
	return time.UnixMilli(tsMillis).UTC().Format("2006-01-02")
}

// SeqOf is the UTC hour-of-day partition of a change timestamp.
func SeqOf(tsMillis int64) int32 {
	return int32(time.UnixMilli(tsMillis).UTC().Hour())
}

// Cursor filters support-table events against the staged high-water mark.
// Three regimes apply relative to cur = max_ts: within the same (dt, seq)
// only newer ts pass; within the same dt a later seq passes with newer ts;
// across dt boundaries the seq floor is min(nowSeq, curSeq) to catch
// seq rollover around midnight.
type Cursor struct {
	Ts     int64
	Dt     string
	Seq    int32
	NowSeq int32
}

// NewCursor positions a cursor at maxTs with the current poll hour.
func NewCursor(maxTs int64, nowSeq int32) Cursor {
	return Cursor{Ts: maxTs, Dt: DtOf(maxTs), Seq: SeqOf(maxTs), NowSeq: nowSeq}
}

func (c Cursor) Accept(dt string, seq int32, ts int64) bool {
	switch {
	case dt == c.Dt && seq == c.Seq:
		return ts > c.Ts
	case dt == c.Dt:
		return seq >= c.Seq && ts > c.Ts
	default:
		floor := c.NowSeq
		if c.Seq < floor {
			floor = c.Seq
		}
		return dt >= c.Dt && seq >= floor
	}
}
