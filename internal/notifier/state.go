package notifier

import "time"

// State is the service-level state reported to clients.
type State int

const (
	Idle State = iota + 1
	FetchingURL
	Connecting
	Downloading
	Completed
	PausedNetworkUnavailable
	PausedByRequest
	PausedWifiDisabledNeedCellularPermission
	PausedNeedCellularPermission
	PausedWifiDisabled
	PausedNeedWifi
	PausedRoaming
	PausedNetworkSetupFailure
	PausedSDCardUnavailable
	FailedUnlicensed
	FailedFetchingURL
	FailedSDCardFull
	FailedCanceled
	Failed
)

var stateNames = map[State]string{
	Idle:                                     "idle",
	FetchingURL:                              "fetching_url",
	Connecting:                               "connecting",
	Downloading:                              "downloading",
	Completed:                                "completed",
	PausedNetworkUnavailable:                 "paused_network_unavailable",
	PausedByRequest:                          "paused_by_request",
	PausedWifiDisabledNeedCellularPermission: "paused_wifi_disabled_need_cellular_permission",
	PausedNeedCellularPermission:             "paused_need_cellular_permission",
	PausedWifiDisabled:                       "paused_wifi_disabled",
	PausedNeedWifi:                           "paused_need_wifi",
	PausedRoaming:                            "paused_roaming",
	PausedNetworkSetupFailure:                "paused_network_setup_failure",
	PausedSDCardUnavailable:                  "paused_sdcard_unavailable",
	FailedUnlicensed:                         "failed_unlicensed",
	FailedFetchingURL:                        "failed_fetching_url",
	FailedSDCardFull:                         "failed_sdcard_full",
	FailedCanceled:                           "failed_canceled",
	Failed:                                   "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsFailure reports whether the state ends the batch with a failure.
func (s State) IsFailure() bool {
	return s >= FailedUnlicensed && s <= Failed
}

// IsPaused reports whether the state waits for an external condition.
func (s State) IsPaused() bool {
	return s >= PausedNetworkUnavailable && s <= PausedSDCardUnavailable
}

// Progress is the aggregate progress of a batch.
type Progress struct {
	OverallTotal    int64         `json:"overall_total"`
	OverallProgress int64         `json:"overall_progress"`
	TimeRemaining   time.Duration `json:"time_remaining"`
	// CurrentSpeed is the smoothed transfer speed in bytes per millisecond.
	CurrentSpeed float64 `json:"current_speed"`
}
