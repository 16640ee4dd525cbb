package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/patientsim/internal/adapters/mq/queue"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryQueue(t *testing.T) {
	ctx := context.Background()

	Convey("Given a queue with capacity 2", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(2))

		So(q.Len(), ShouldEqual, 0)

		Convey("When two jobs are enqueued", func() {
			So(q.Enqueue(ctx, queue.Job{SessionID: "s1"}), ShouldBeNil)
			So(q.Enqueue(ctx, queue.Job{SessionID: "s2"}), ShouldBeNil)

			Convey("Then a third should be rejected as full", func() {
				err := q.Enqueue(ctx, queue.Job{SessionID: "s3"})
				So(errors.Is(err, queue.ErrFull), ShouldBeTrue)
				So(q.Len(), ShouldEqual, 2)
			})

			Convey("Then jobs should come out in order", func() {
				ch := q.Dequeue(ctx)
				So((<-ch).SessionID, ShouldEqual, "s1")
				So((<-ch).SessionID, ShouldEqual, "s2")
			})

			Convey("Then closing should still deliver pending jobs and refuse new ones", func() {
				So(q.Close(), ShouldBeNil)
				So(q.Close(), ShouldBeNil)
				So(q.IsClosed(), ShouldBeTrue)
				So(errors.Is(q.Enqueue(ctx, queue.Job{}), queue.ErrClosed), ShouldBeTrue)

				var got []string
				for j := range q.Dequeue(ctx) {
					got = append(got, j.SessionID)
				}
				So(got, ShouldResemble, []string{"s1", "s2"})
			})
		})
	})

	Convey("Given concurrent producers", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					_ = q.Enqueue(ctx, queue.Job{SessionID: fmt.Sprintf("s%d-%d", id, j)})
				}
			}(i)
		}
		wg.Wait()

		So(q.Len(), ShouldEqual, 100)
	})
}
