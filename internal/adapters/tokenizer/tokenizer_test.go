package tokenizer_test

import (
	"testing"

	"github.com/okian/patientsim/internal/adapters/tokenizer"
	. "github.com/smartystreets/goconvey/convey"
)

func TestApprox(t *testing.T) {
	Convey("Given the approximate counter", t, func() {
		var c tokenizer.Approx

		So(c.Count(""), ShouldEqual, 0)
		So(c.Count("abc"), ShouldEqual, 1)
		So(c.Count("abcdefgh"), ShouldEqual, 2)
		So(c.Count("abcdefghi"), ShouldEqual, 3)
	})
}

func TestNewOrApprox(t *testing.T) {
	Convey("Given an unknown encoding", t, func() {
		c, err := tokenizer.NewOrApprox("no-such-encoding")

		Convey("Then the approximate counter should be returned with the error", func() {
			So(err, ShouldNotBeNil)
			_, ok := c.(tokenizer.Approx)
			So(ok, ShouldBeTrue)
		})
	})
}
