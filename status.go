package main

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// Value is a table cell with its unit suffix removed. It is encoded as a JSON
// number when the text is one and as a string otherwise.
type Value string

func (v Value) Float64() (float64, bool) {
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v Value) MarshalJSON() ([]byte, error) {
	if jsonNumber.MatchString(string(v)) {
		return []byte(v), nil
	}
	return json.Marshal(string(v))
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = Value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = Value(n.String())
	return nil
}

type DownstreamChannel struct {
	Channel    string `json:"channel"`
	LockStatus string `json:"lock_status"`
	Frequency  Value  `json:"frequency_hz"`
	SNR        Value  `json:"snr_db"`
	PowerLevel Value  `json:"power_level_dbmv"`
}

type UpstreamChannel struct {
	Channel    string `json:"channel"`
	LockStatus string `json:"lock_status"`
	Frequency  Value  `json:"frequency_hz"`
	SymbolRate Value  `json:"symbol_rate"`
	PowerLevel Value  `json:"power_level_dbmv"`
}

type ErrorCounters struct {
	Unerrored     Value `json:"unerrored"`
	Correctable   Value `json:"correctable"`
	Uncorrectable Value `json:"uncorrectable"`
}

// Snapshot is the result of one successful poll. It is never modified after
// it has been handed to the SnapshotStore.
type Snapshot struct {
	Downstream []DownstreamChannel `json:"downstream"`
	Upstream   []UpstreamChannel   `json:"upstream"`
	Error      []ErrorCounters     `json:"error"`

	// Uptime is the hours/minutes/seconds part of the modem uptime, without days.
	Uptime int64 `json:"uptime"`
	// UptimeTotal includes the days component.
	UptimeTotal int64 `json:"uptime_total"`

	CollectedAt time.Time `json:"-"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Downstream: []DownstreamChannel{},
		Upstream:   []UpstreamChannel{},
		Error:      []ErrorCounters{},
	}
}

func isLocked(status string) bool {
	return status == "Locked"
}
