package datablock

import (
	"bytes"

	"github.com/Qing-LAB/pylabhub-sub002/internal/herr"
)

// FlexZone returns the raw flex-zone bytes. Callers hold the management
// mutex (via WriteFlexZone) while mutating it; reads are lock-free,
// matching spec.md's description of the flex zone as a best-effort,
// eventually-consistent side-channel.
func (b *Block) FlexZone() []byte {
	if b.cfg.FlexZoneBytes == 0 {
		return nil
	}
	return b.seg.Bytes[b.flexOff : b.flexOff+b.cfg.FlexZoneBytes]
}

// WriteFlexZone copies data into the flex zone and updates its digest,
// holding the management mutex for the duration. Producer-only.
func (b *Block) WriteFlexZone(pid uint32, data []byte) error {
	if len(data) > b.cfg.FlexZoneBytes {
		return herr.Wrap(herr.KindProtocol, "WriteFlexZone", herr.ErrSizeOverflow)
	}
	if _, ok := b.mutex.Lock(pid, 0); !ok {
		return herr.Wrap(herr.KindTransient, "WriteFlexZone", herr.ErrTimeout)
	}
	defer b.mutex.Unlock(pid)

	zone := b.FlexZone()
	copy(zone, data)
	for i := len(data); i < len(zone); i++ {
		zone[i] = 0
	}
	hdr := b.header()
	hdr.FlexZoneChecksum = checksum(zone)
	return nil
}

// FlexSnapshot is a consumer-local cache used by AcceptSnapshot/IsAccepted
// to implement content-equality (not digest-equality) acceptance, per
// spec.md's instruction that bit-identical rollbacks must be accepted.
type FlexSnapshot struct {
	bytes []byte
}

// AcceptSnapshot takes and stores a private copy of the current flex-zone
// bytes, to be compared against with IsAccepted.
func (b *Block) AcceptSnapshot() *FlexSnapshot {
	zone := b.FlexZone()
	cp := make([]byte, len(zone))
	copy(cp, zone)
	return &FlexSnapshot{bytes: cp}
}

// IsAccepted reports whether the flex zone's current content is
// byte-for-byte identical to the snapshot — content equality, so a
// producer that rolls the flex zone back to a prior value is correctly
// treated as unchanged rather than as a new update.
func (s *FlexSnapshot) IsAccepted(b *Block) bool {
	return bytes.Equal(s.bytes, b.FlexZone())
}

// flexChecksumMatches reports whether the flex zone's stored digest still
// matches its current content, independent of the content-equality
// acceptance test above.
func (b *Block) flexChecksumMatches() bool {
	hdr := b.header()
	return checksum(b.FlexZone()) == hdr.FlexZoneChecksum
}
