package trainlog

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLog(t *testing.T) {
	Convey("Given a log holding three entries", t, func() {
		log := NewLog(3)
		So(log.Len(), ShouldEqual, 0)
		So(log.Recent(0), ShouldBeEmpty)

		for _, bot := range []string{"a", "b"} {
			log.Append(NewEntry(bot))
		}
		So(log.Len(), ShouldEqual, 2)

		Convey("Recent returns entries oldest first", func() {
			recent := log.Recent(0)
			So(recent[0].Bot, ShouldEqual, "a")
			So(recent[1].Bot, ShouldEqual, "b")
			So(log.Recent(1)[0].Bot, ShouldEqual, "b")
		})

		Convey("Appending past capacity evicts the oldest", func() {
			for _, bot := range []string{"c", "d"} {
				log.Append(NewEntry(bot))
			}
			So(log.Len(), ShouldEqual, 3)
			recent := log.Recent(0)
			So(recent[0].Bot, ShouldEqual, "b")
			So(recent[2].Bot, ShouldEqual, "d")
		})

		Convey("Subscribers see new entries until done", func() {
			done := make(chan struct{})
			sub := log.Subscribe(done)
			log.Append(NewEntry("e"))

			select {
			case entry := <-sub:
				So(entry.Bot, ShouldEqual, "e")
			case <-time.After(time.Second):
				So("timed out", ShouldBeEmpty)
			}

			close(done)
			for range sub {
			}
			// Appending after unsubscribe must not panic on the closed channel.
			log.Append(NewEntry("f"))
		})

		Convey("Entries get distinct ids", func() {
			So(NewEntry("x").ID, ShouldNotEqual, NewEntry("x").ID)
		})
	})
}

func TestSampler(t *testing.T) {
	Convey("Sampling the current process reports goroutines", t, func() {
		res := NewSampler().Sample()
		So(res.Goroutines, ShouldBeGreaterThan, 0)
	})
}

func TestArchive(t *testing.T) {
	Convey("Given an archive in a temp dir", t, func() {
		archive, err := OpenArchive(filepath.Join(t.TempDir(), "logs.db"))
		So(err, ShouldBeNil)
		defer archive.Close()

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, bot := range []string{"a", "b", "a"} {
			entry := NewEntry(bot)
			entry.Timestamp = base.Add(time.Duration(i) * time.Second)
			entry.Samples = i + 1
			entry.Scores = map[string]float64{bot: float64(i)}
			So(archive.Insert(entry), ShouldBeNil)
			So(archive.Insert(entry), ShouldBeNil)
		}

		Convey("Duplicate ids are ignored", func() {
			n, err := archive.Count("")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)
			n, err = archive.Count("a")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
		})

		Convey("Recent returns the newest n oldest first", func() {
			entries, err := archive.Recent("", 2)
			So(err, ShouldBeNil)
			So(len(entries), ShouldEqual, 2)
			So(entries[0].Bot, ShouldEqual, "b")
			So(entries[1].Samples, ShouldEqual, 3)
		})

		Convey("Recent filters by bot", func() {
			entries, err := archive.Recent("a", 10)
			So(err, ShouldBeNil)
			So(len(entries), ShouldEqual, 2)
			So(entries[1].Scores["a"], ShouldEqual, 2.0)
		})
	})
}
