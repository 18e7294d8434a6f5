package meta

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLockTableExclusion(t *testing.T) {
	Convey("Given an empty lock table", t, func() {
		lt := NewLockTable()
		a := LockOwner{Owner: 1, Session: 1}
		b := LockOwner{Owner: 2, Session: 2}
		whole := Range{0, 1}

		Convey("A shared lock granted to one owner does not block another shared request", func() {
			st1 := lt.Posix(10, a, Range{0, 100}, LockShared, false)
			st2 := lt.Posix(10, b, Range{0, 100}, LockShared, false)
			So(st1, ShouldEqual, StatusOK)
			So(st2, ShouldEqual, StatusOK)
		})

		Convey("An exclusive lock blocks any overlapping request from another owner", func() {
			st1 := lt.Posix(10, a, Range{0, 100}, LockExclusive, false)
			So(st1, ShouldEqual, StatusOK)

			st2 := lt.Posix(10, b, Range{50, 60}, LockShared, false)
			So(st2, ShouldEqual, StatusWaiting)
		})

		Convey("A non-blocking request against a held exclusive lock fails without queuing", func() {
			lt.Posix(10, a, Range{0, 100}, LockExclusive, false)
			st := lt.Posix(10, b, Range{0, 100}, LockShared, false)
			So(st, ShouldEqual, StatusWaiting)

			owner, _, _, collides := lt.Probe(10, b, Range{0, 100}, LockShared)
			So(collides, ShouldBeTrue)
			So(owner, ShouldResemble, a)
		})

		Convey("Unlocking wakes a pending request whose range is now free", func() {
			lt.Posix(10, a, Range{0, 100}, LockExclusive, false)
			lt.Posix(10, b, Range{0, 100}, LockShared, true) // queues

			woken := lt.Unlock(10, a, Range{0, 100})
			So(woken, ShouldResemble, []LockOwner{b})
		})

		Convey("Flock uses the whole-file range regardless of the byte range requested elsewhere", func() {
			st := lt.Flock(20, a, LockExclusive, false)
			So(st, ShouldEqual, StatusOK)
			_, _, _, collides := lt.Probe(20, b, whole, LockShared)
			So(collides, ShouldBeFalse) // Probe only inspects the posix table, not flock
		})

		Convey("Release drops both held locks and pending requests for an owner", func() {
			lt.Posix(30, a, Range{0, 10}, LockExclusive, false)
			lt.Posix(30, b, Range{0, 10}, LockShared, true)

			woken := lt.Release(30, a)
			So(woken, ShouldResemble, []LockOwner{b})

			st := lt.Posix(30, LockOwner{Owner: 3}, Range{5, 6}, LockShared, false)
			So(st, ShouldEqual, StatusOK)
		})
	})
}
