package consumer

import "github.com/Qing-LAB/pylabhub-sub002/internal/datablock"

// FlexSnapshot is an opaque content-equality snapshot of the DataBlock's
// flex zone at the time it was taken, per spec.md §4.3's
// "accept_flex_zone_state()".
type FlexSnapshot struct{ inner *datablock.FlexSnapshot }

// AcceptFlexZoneState snapshots the current flex-zone bytes.
func (s *Service) AcceptFlexZoneState() FlexSnapshot {
	return FlexSnapshot{inner: s.block.AcceptSnapshot()}
}

// IsFlexZoneAccepted reports whether the flex zone's current bytes are
// byte-identical to the snapshot (content equality, not digest equality,
// so a producer rollback to a prior bit-identical value is still
// accepted).
func (snap FlexSnapshot) IsFlexZoneAccepted(s *Service) bool {
	return snap.inner.IsAccepted(s.block)
}
