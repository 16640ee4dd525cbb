package observability

import (
	"bytes"
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.opentelemetry.io/otel"
)

func TestInitOTel(t *testing.T) {
	Convey("Given tracing is disabled", t, func() {
		shutdown, err := InitOTel(context.Background(), Options{})
		So(err, ShouldBeNil)
		So(shutdown(context.Background()), ShouldBeNil)
	})

	Convey("Given tracing is enabled with full sampling", t, func() {
		var buf bytes.Buffer
		shutdown, err := InitOTel(context.Background(), Options{Enabled: true, SampleRatio: 1, Writer: &buf})
		So(err, ShouldBeNil)

		_, span := otel.Tracer(ServiceName).Start(context.Background(), "turn")
		span.End()

		Convey("Then shutdown flushes the span to the writer", func() {
			So(shutdown(context.Background()), ShouldBeNil)
			So(buf.String(), ShouldContainSubstring, `"Name":"turn"`)
		})
	})

	Convey("Sample ratios are clamped", t, func() {
		So(clampRatio(-1), ShouldEqual, 0)
		So(clampRatio(2), ShouldEqual, 1)
		So(clampRatio(0.25), ShouldEqual, 0.25)
	})
}
