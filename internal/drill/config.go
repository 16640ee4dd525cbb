// Package drill replays scripted trainee conversations against a running
// patientsim server and checks the outcome of each session.
package drill

import "time"

// Config holds configuration for a drill run.
type Config struct {
	BaseURL  string        // Base URL of the service
	Script   string        // Path to the conversation script
	Sessions int           // Number of concurrent sessions replaying the script
	Timeout  time.Duration // HTTP request timeout
	Verbose  bool          // Log every patient reply
}

// Script is a scripted conversation and what it must produce.
//
//	case_id: intake-01
//	steps:
//	  - say: How have you been feeling about safety?
//	    banner: none
//	  - say: Are you planning to end your life?
//	    banner: critical
//	expect:
//	  ended: false
//	  min_scores:
//	    risk-assessment coverage: 10
type Script struct {
	CaseID string `yaml:"case_id"`
	Steps  []Step `yaml:"steps"`
	Expect Expect `yaml:"expect"`
}

// Step is one trainee utterance. Banner, when set, is the severity the
// returned risk banner must carry, or "none" for no banner.
type Step struct {
	Say    string `yaml:"say"`
	Banner string `yaml:"banner,omitempty"`
}

// Expect describes the required end of the session.
type Expect struct {
	// Ended requires the session to have reached a terminal state on its own.
	Ended *bool `yaml:"ended,omitempty"`
	// MinScores maps rubric domain names to the lowest acceptable score.
	MinScores map[string]float64 `yaml:"min_scores,omitempty"`
	// Flags must all appear on the report.
	Flags []string `yaml:"flags,omitempty"`
}

// Banner severity keyword meaning no banner.
const BannerNone = "none"

// Stats holds drill statistics.
type Stats struct {
	SessionsStarted int
	SessionsPassed  int
	SessionsFailed  int
	Turns           int
	Banners         int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
