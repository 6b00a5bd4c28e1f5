package protocol

// Records is a batch of wire frames. Batching lets a burst of frames
// arriving in one network read flow through the system as one unit, and
// converts directly to net.Buffers for writev on the way out.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
