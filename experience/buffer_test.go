package experience

import (
	"sync"
	"testing"

	"duelrl/models"

	. "github.com/smartystreets/goconvey/convey"
)

func record(buf *Buffer, n int) {
	for i := 0; i < n; i++ {
		buf.RecordPrediction([]float64{float64(i)}, models.Indices{i % 8}, -1, 0)
	}
}

func survival(amount float64) models.Breakdown {
	return models.Breakdown{models.EventSurvival: {Count: 1, Amount: amount}}
}

func TestBuffer(t *testing.T) {
	Convey("Given an empty buffer", t, func() {
		buf := NewBuffer()

		Convey("Rewards with no record are dropped", func() {
			So(buf.AddReward(1, survival(1)), ShouldBeFalse)
			So(buf.Len(), ShouldEqual, 0)
			So(buf.Snapshot().Len(), ShouldEqual, 0)
		})

		Convey("MarkDone is ignored", func() {
			buf.MarkDone(true)
			So(buf.Len(), ShouldEqual, 0)
		})
	})

	Convey("Given three predictions with rewards in between", t, func() {
		buf := NewBuffer()
		record(buf, 1)
		buf.AddReward(1, survival(1))
		buf.AddReward(2, survival(2))
		record(buf, 1)
		record(buf, 1)
		buf.AddReward(-1, models.Breakdown{models.EventDeath: {Count: 1, Amount: -1}})
		buf.MarkDone(true)

		Convey("Each prediction opened a record", func() {
			So(buf.Len(), ShouldEqual, 3)
		})

		Convey("Rewards accumulate on the newest record", func() {
			snap := buf.Snapshot()
			So(snap.Rewards, ShouldResemble, []float64{3, 0, -1})
			So(snap.Dones, ShouldResemble, []bool{false, false, true})
			So(snap.Breakdowns[0][models.EventSurvival], ShouldResemble, models.Tally{Count: 2, Amount: 3})
			So(snap.Breakdowns[1], ShouldBeEmpty)
			So(snap.TotalReward(), ShouldEqual, 2.0)
			So(snap.Breakdown()[models.EventDeath].Count, ShouldEqual, 1)
		})

		Convey("Snapshots are independent of later rewards", func() {
			snap := buf.Snapshot()
			buf.AddReward(5, survival(5))
			So(snap.Rewards[2], ShouldEqual, -1.0)
			So(snap.Breakdowns[2][models.EventSurvival], ShouldResemble, models.Tally{})
		})

		Convey("Drain returns everything and empties the buffer", func() {
			batch := buf.Drain()
			So(batch.Len(), ShouldEqual, 3)
			So(len(batch.Observations), ShouldEqual, 3)
			So(buf.Len(), ShouldEqual, 0)
		})

		Convey("ClearPrefix keeps records added after a snapshot", func() {
			snap := buf.Snapshot()
			record(buf, 1)
			buf.AddReward(4, nil)
			buf.ClearPrefix(snap.Len())
			left := buf.Snapshot()
			So(left.Len(), ShouldEqual, 1)
			So(left.Rewards, ShouldResemble, []float64{4})
			So(left.Observations[0], ShouldResemble, []float64{0})
		})
	})

	Convey("Containers that drifted apart are trimmed to the shortest", t, func() {
		buf := NewBuffer()
		record(buf, 4)
		buf.observations = append(buf.observations, []float64{9})
		So(buf.Len(), ShouldEqual, 4)
		So(len(buf.Drain().Observations), ShouldEqual, 4)
	})

	Convey("Concurrent writers keep the containers aligned", t, func() {
		buf := NewBuffer()
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				record(buf, 100)
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					buf.AddReward(1, survival(1))
					buf.MarkDone(i%10 == 9)
				}
			}()
		}
		wg.Wait()
		snap := buf.Snapshot()
		So(snap.Len(), ShouldEqual, 800)
		So(len(snap.Observations), ShouldEqual, 800)
		So(len(snap.LogProbs), ShouldEqual, 800)
		So(len(snap.Breakdowns), ShouldEqual, 800)
		credited := snap.Breakdown()[models.EventSurvival]
		So(snap.TotalReward(), ShouldEqual, credited.Amount)
	})
}
