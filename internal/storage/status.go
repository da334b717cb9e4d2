package storage

import "strconv"

// Status is the outcome code of a record. Values follow HTTP status classes:
// 1xx in progress, 2xx success, 4xx/5xx errors, with synthetic codes in the
// 48x-49x range for local conditions.
type Status int

const (
	StatusPending                           Status = 190
	StatusRunning                           Status = 192
	StatusPausedByApp                       Status = 193
	StatusWaitingToRetry                    Status = 194
	StatusWaitingForNetwork                 Status = 195
	StatusQueuedForWifiOrCellularPermission Status = 196
	StatusQueuedForWifi                     Status = 197

	StatusSuccess Status = 200

	StatusBadRequest         Status = 400
	StatusForbidden          Status = 403
	StatusNotAcceptable      Status = 406
	StatusLengthRequired     Status = 411
	StatusPreconditionFailed Status = 412

	StatusFileDeliveredIncorrectly Status = 487
	StatusFileAlreadyExists        Status = 488
	StatusCannotResume             Status = 489
	StatusCanceled                 Status = 490
	StatusUnknownError             Status = 491
	StatusFileError                Status = 492
	StatusUnhandledRedirect        Status = 493
	StatusUnhandledHTTPCode        Status = 494
	StatusHTTPDataError            Status = 495
	StatusHTTPException            Status = 496
	StatusTooManyRedirects         Status = 497
	StatusInsufficientSpace        Status = 498
	StatusDeviceNotFound           Status = 499
)

var statusNames = map[Status]string{
	StatusPending:                           "pending",
	StatusRunning:                           "running",
	StatusPausedByApp:                       "paused_by_app",
	StatusWaitingToRetry:                    "waiting_to_retry",
	StatusWaitingForNetwork:                 "waiting_for_network",
	StatusQueuedForWifiOrCellularPermission: "queued_for_wifi_or_cellular_permission",
	StatusQueuedForWifi:                     "queued_for_wifi",
	StatusSuccess:                           "success",
	StatusBadRequest:                        "bad_request",
	StatusForbidden:                         "forbidden",
	StatusNotAcceptable:                     "not_acceptable",
	StatusLengthRequired:                    "length_required",
	StatusPreconditionFailed:                "precondition_failed",
	StatusFileDeliveredIncorrectly:          "file_delivered_incorrectly",
	StatusFileAlreadyExists:                 "file_already_exists",
	StatusCannotResume:                      "cannot_resume",
	StatusCanceled:                          "canceled",
	StatusUnknownError:                      "unknown_error",
	StatusFileError:                         "file_error",
	StatusUnhandledRedirect:                 "unhandled_redirect",
	StatusUnhandledHTTPCode:                 "unhandled_http_code",
	StatusHTTPDataError:                     "http_data_error",
	StatusHTTPException:                     "http_exception",
	StatusTooManyRedirects:                  "too_many_redirects",
	StatusInsufficientSpace:                 "insufficient_space",
	StatusDeviceNotFound:                    "device_not_found",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "http_" + strconv.Itoa(int(s))
}

// IsInformational reports a status in the 1xx range (not finished yet).
func (s Status) IsInformational() bool {
	return s >= 100 && s < 200
}

// IsSuccess reports a status in the 2xx range.
func (s Status) IsSuccess() bool {
	return s >= 200 && s < 300
}

// IsError reports a status in the 4xx or 5xx range.
func (s Status) IsError() bool {
	return s >= 400 && s < 600
}

// IsClientError reports a status in the 4xx range.
func (s Status) IsClientError() bool {
	return s >= 400 && s < 500
}

// IsServerError reports a status in the 5xx range.
func (s Status) IsServerError() bool {
	return s >= 500 && s < 600
}

// IsCompleted reports whether the record reached a final success or error.
func (s Status) IsCompleted() bool {
	return s.IsSuccess() || s.IsError()
}
