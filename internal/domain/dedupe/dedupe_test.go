package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	dedupe "github.com/okian/patientsim/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		ctx := context.Background()

		Convey("When creating a deduper with default options", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("Then it should start empty", func() {
				So(d, ShouldNotBeNil)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When recording keys", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("And the key is new", func() {
				_, seen := d.SeenAndRecord(ctx, "s1:k1")

				Convey("Then it should return false and record a pending entry", func() {
					So(seen, ShouldBeFalse)
					So(d.Size(), ShouldEqual, 1)
					entry, again := d.SeenAndRecord(ctx, "s1:k1")
					So(again, ShouldBeTrue)
					So(entry.Done, ShouldBeFalse)
				})
			})

			Convey("And the key was completed", func() {
				d.SeenAndRecord(ctx, "s1:k1")
				d.Complete(ctx, "s1:k1", []byte(`{"turn_index":0}`))

				entry, seen := d.SeenAndRecord(ctx, "s1:k1")

				Convey("Then the stored response should be replayed", func() {
					So(seen, ShouldBeTrue)
					So(entry.Done, ShouldBeTrue)
					So(string(entry.Value), ShouldEqual, `{"turn_index":0}`)
				})
			})

			Convey("And completing an unknown key", func() {
				d.Complete(ctx, "missing", []byte("x"))

				Convey("Then nothing should be recorded", func() {
					So(d.Size(), ShouldEqual, 0)
				})
			})
		})

		Convey("When unrecording keys", func() {
			d := dedupe.NewInMemoryDeduper()
			d.SeenAndRecord(ctx, "s1:k1")
			d.Unrecord(ctx, "s1:k1")
			d.Unrecord(ctx, "nonexistent")

			Convey("Then the key should be retryable", func() {
				So(d.Size(), ShouldEqual, 0)
				_, seen := d.SeenAndRecord(ctx, "s1:k1")
				So(seen, ShouldBeFalse)
			})
		})

		Convey("When using bounded mode with eviction", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
			for _, k := range []string{"k1", "k2", "k3", "k4"} {
				_, seen := d.SeenAndRecord(ctx, k)
				So(seen, ShouldBeFalse)
			}

			Convey("Then the oldest key should be evicted", func() {
				So(d.Size(), ShouldEqual, 3)
				_, seen4 := d.SeenAndRecord(ctx, "k4")
				So(seen4, ShouldBeTrue)
				_, seen1 := d.SeenAndRecord(ctx, "k1")
				So(seen1, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 3)
			})
		})

		Convey("When using unbounded mode", func() {
			d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
			const numKeys = 1000
			for i := 0; i < numKeys; i++ {
				d.SeenAndRecord(ctx, fmt.Sprintf("k-%d", i))
			}

			Convey("Then all keys should be kept", func() {
				So(d.Size(), ShouldEqual, int64(numKeys))
				_, seen := d.SeenAndRecord(ctx, "k-0")
				So(seen, ShouldBeTrue)
			})
		})
	})
}

func TestDedupeConcurrency(t *testing.T) {
	Convey("Given a deduper with concurrent access", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1000))
		const numGoroutines = 10

		Convey("When goroutines race on the same key", func() {
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < numGoroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, seen := d.SeenAndRecord(context.Background(), "shared"); !seen {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one should record it", func() {
				So(winners.Load(), ShouldEqual, 1)
				So(d.Size(), ShouldEqual, 1)
			})
		})
	})
}
