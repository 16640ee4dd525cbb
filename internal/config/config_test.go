package config_test

import (
	"errors"
	"testing"

	"github.com/okian/patientsim/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.TokenizerEncoding, convey.ShouldEqual, "cl100k_base")
			convey.So(cfg.SearchProvider, convey.ShouldEqual, "lexical")
			convey.So(cfg.RiskMaxConcurrency, convey.ShouldBeGreaterThan, 0)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("When features needing a remote model are enabled with the scripted provider", func() {
			cfg.SearchProvider = "embedding"

			convey.Convey("Then validation should fail", func() {
				convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When several values are wrong", func() {
			cfg.ModelMaxAttempts = 0
			cfg.OTelSampleRatio = 2

			convey.Convey("Then every problem should be reported", func() {
				err := cfg.Validate()
				convey.So(err.Error(), convey.ShouldContainSubstring, "model_max_attempts")
				convey.So(err.Error(), convey.ShouldContainSubstring, "otel_sample_ratio")
			})
		})
	})
}
