package txn

import "time"

// MergeMetadata folds src into dst. Status keeps the maximum, empty fields are filled from src.
func MergeMetadata(dst *Metadata, src *Metadata) {
	dst.Status = MaxStatus(dst.Status, src.Status)

	if dst.UUID == "" {
		dst.UUID = src.UUID
	}
	dst.PrepareTime = fillTime(dst.PrepareTime, src.PrepareTime)
	dst.ExpireTime = fillTime(dst.ExpireTime, src.ExpireTime)
	dst.FinishTime = fillTime(dst.FinishTime, src.FinishTime)
	dst.MemoryOnly = dst.MemoryOnly || src.MemoryOnly

	if dst.ReplicateReadCount == 0 {
		dst.ReplicateReadCount = src.ReplicateReadCount
	}
	if dst.ReplicateTotalCount == 0 {
		dst.ReplicateTotalCount = src.ReplicateTotalCount
	}
	if len(dst.ReplicateNodes) == 0 && len(src.ReplicateNodes) > 0 {
		dst.ReplicateNodes = append([]string(nil), src.ReplicateNodes...)
	}
}

// MergeConfigure fills zero-valued fields of dst from src.
func MergeConfigure(dst *Configure, src *Configure) {
	if dst.ResolveMaxTimes == 0 {
		dst.ResolveMaxTimes = src.ResolveMaxTimes
	}
	if dst.LockRetryMaxTimes == 0 {
		dst.LockRetryMaxTimes = src.LockRetryMaxTimes
	}
	if dst.ResolveRetryInterval == 0 {
		dst.ResolveRetryInterval = src.ResolveRetryInterval
	}
	if dst.LockWaitIntervalMin == 0 {
		dst.LockWaitIntervalMin = src.LockWaitIntervalMin
	}
	if dst.LockWaitIntervalMax == 0 {
		dst.LockWaitIntervalMax = src.LockWaitIntervalMax
	}
	dst.ForceCommit = dst.ForceCommit || src.ForceCommit
}

// MergeStorage folds one replica's record into dst.
// Participants are unioned; a participant present on both sides keeps the larger status.
func MergeStorage(dst *Storage, src *Storage) {
	if src == nil {
		return
	}
	MergeMetadata(&dst.Metadata, &src.Metadata)
	MergeConfigure(&dst.Configure, &src.Configure)
	if len(dst.Data) == 0 {
		dst.Data = cloneBytes(src.Data)
	}

	if dst.Participants == nil {
		dst.Participants = make(map[string]*Participant, len(src.Participants))
	}
	for key, sp := range src.Participants {
		dp, ok := dst.Participants[key]
		if !ok {
			dst.Participants[key] = &Participant{Key: sp.Key, Status: sp.Status, Data: cloneBytes(sp.Data)}
			continue
		}
		dp.Status = MaxStatus(dp.Status, sp.Status)
		if len(dp.Data) == 0 {
			dp.Data = cloneBytes(sp.Data)
		}
	}
}

// MergeParticipantView folds a coordinator record into the participant-local view dst.
func MergeParticipantView(dst *ParticipantStorage, src *Storage) {
	if src == nil {
		return
	}
	MergeMetadata(&dst.Metadata, &src.Metadata)
	MergeConfigure(&dst.Configure, &src.Configure)
	if len(dst.Data) == 0 {
		dst.Data = cloneBytes(src.Data)
	}
	if p, ok := src.Participants[dst.ParticipantKey]; ok && len(dst.ParticipantData) == 0 {
		dst.ParticipantData = cloneBytes(p.Data)
	}
}

func fillTime(dst, src time.Time) time.Time {
	if dst.IsZero() {
		return src
	}
	return dst
}
