package sip

// Status codes as registered by IANA for SIP, RFC 3261 section 21 and
// related RFCs (3262, 3265, 3326, 3428, 4320, 4411, 4488, 5393).
const (
	StatusTrying                  StatusCode = 100
	StatusRinging                 StatusCode = 180
	StatusCallIsBeingForwarded    StatusCode = 181
	StatusQueued                  StatusCode = 182
	StatusSessionProgress         StatusCode = 183
	StatusEarlyDialogTerminated   StatusCode = 199
	StatusOK                      StatusCode = 200
	StatusAccepted                StatusCode = 202
	StatusNoNotification          StatusCode = 204
	StatusMultipleChoices         StatusCode = 300
	StatusMovedPermanently        StatusCode = 301
	StatusMovedTemporarily        StatusCode = 302
	StatusUseProxy                StatusCode = 305
	StatusAlternativeService      StatusCode = 380
	StatusBadRequest              StatusCode = 400
	StatusUnauthorized            StatusCode = 401
	StatusPaymentRequired         StatusCode = 402
	StatusForbidden               StatusCode = 403
	StatusNotFound                StatusCode = 404
	StatusMethodNotAllowed        StatusCode = 405
	StatusNotAcceptable           StatusCode = 406
	StatusProxyAuthRequired       StatusCode = 407
	StatusRequestTimeout          StatusCode = 408
	StatusGone                    StatusCode = 410
	StatusConditionalRequestFailed StatusCode = 412
	StatusRequestEntityTooLarge   StatusCode = 413
	StatusRequestURITooLong       StatusCode = 414
	StatusUnsupportedMediaType    StatusCode = 415
	StatusUnsupportedURIScheme    StatusCode = 416
	StatusUnknownResourcePriority StatusCode = 417
	StatusBadExtension            StatusCode = 420
	StatusExtensionRequired       StatusCode = 421
	StatusSessionIntervalTooSmall StatusCode = 422
	StatusIntervalTooBrief        StatusCode = 423
	StatusBadLocationInformation  StatusCode = 424
	StatusUseIdentityHeader       StatusCode = 428
	StatusProvideReferrerIdentity StatusCode = 429
	StatusFlowFailed              StatusCode = 430
	StatusAnonymityDisallowed     StatusCode = 433
	StatusBadIdentityInfo         StatusCode = 436
	StatusUnsupportedCertificate  StatusCode = 437
	StatusInvalidIdentityHeader   StatusCode = 438
	StatusMaxBreadthExceeded      StatusCode = 440
	StatusConsentNeeded           StatusCode = 470
	StatusTemporarilyUnavailable  StatusCode = 480
	StatusCallTransactionDoesNotExists StatusCode = 481
	StatusLoopDetected            StatusCode = 482
	StatusTooManyHops             StatusCode = 483
	StatusAddressIncomplete       StatusCode = 484
	StatusAmbiguous               StatusCode = 485
	StatusBusyHere                StatusCode = 486
	StatusRequestTerminated       StatusCode = 487
	StatusNotAcceptableHere       StatusCode = 488
	StatusBadEvent                StatusCode = 489
	StatusRequestPending          StatusCode = 491
	StatusUndecipherable          StatusCode = 493
	StatusSecurityAgreementRequired StatusCode = 494
	StatusInternalServerError     StatusCode = 500
	StatusNotImplemented          StatusCode = 501
	StatusBadGateway              StatusCode = 502
	StatusServiceUnavailable      StatusCode = 503
	StatusServerTimeout           StatusCode = 504
	StatusVersionNotSupported     StatusCode = 505
	StatusMessageTooLarge         StatusCode = 513
	StatusPreconditionFailure     StatusCode = 580
	StatusBusyEverywhere          StatusCode = 600
	StatusDecline                 StatusCode = 603
	StatusDoesNotExistAnywhere    StatusCode = 604
	StatusNotAcceptableGlobal     StatusCode = 606
	StatusUnwanted                StatusCode = 607
	StatusRejected                StatusCode = 608
)

var statusReasonPhrases = map[StatusCode]string{
	StatusTrying:                   "Trying",
	StatusRinging:                  "Ringing",
	StatusCallIsBeingForwarded:     "Call Is Being Forwarded",
	StatusQueued:                   "Queued",
	StatusSessionProgress:          "Session Progress",
	StatusEarlyDialogTerminated:    "Early Dialog Terminated",
	StatusOK:                       "OK",
	StatusAccepted:                 "Accepted",
	StatusNoNotification:           "No Notification",
	StatusMultipleChoices:          "Multiple Choices",
	StatusMovedPermanently:         "Moved Permanently",
	StatusMovedTemporarily:         "Moved Temporarily",
	StatusUseProxy:                 "Use Proxy",
	StatusAlternativeService:       "Alternative Service",
	StatusBadRequest:               "Bad Request",
	StatusUnauthorized:             "Unauthorized",
	StatusPaymentRequired:          "Payment Required",
	StatusForbidden:                "Forbidden",
	StatusNotFound:                 "Not Found",
	StatusMethodNotAllowed:         "Method Not Allowed",
	StatusNotAcceptable:            "Not Acceptable",
	StatusProxyAuthRequired:        "Proxy Authentication Required",
	StatusRequestTimeout:           "Request Timeout",
	StatusGone:                     "Gone",
	StatusConditionalRequestFailed: "Conditional Request Failed",
	StatusRequestEntityTooLarge:    "Request Entity Too Large",
	StatusRequestURITooLong:        "Request-URI Too Long",
	StatusUnsupportedMediaType:     "Unsupported Media Type",
	StatusUnsupportedURIScheme:     "Unsupported URI Scheme",
	StatusUnknownResourcePriority:  "Unknown Resource-Priority",
	StatusBadExtension:             "Bad Extension",
	StatusExtensionRequired:        "Extension Required",
	StatusSessionIntervalTooSmall:  "Session Interval Too Small",
	StatusIntervalTooBrief:         "Interval Too Brief",
	StatusBadLocationInformation:   "Bad Location Information",
	StatusUseIdentityHeader:        "Use Identity Header",
	StatusProvideReferrerIdentity:  "Provide Referrer Identity",
	StatusFlowFailed:               "Flow Failed",
	StatusAnonymityDisallowed:      "Anonymity Disallowed",
	StatusBadIdentityInfo:          "Bad Identity-Info",
	StatusUnsupportedCertificate:   "Unsupported Certificate",
	StatusInvalidIdentityHeader:    "Invalid Identity Header",
	StatusMaxBreadthExceeded:       "Max-Breadth Exceeded",
	StatusConsentNeeded:            "Consent Needed",
	StatusTemporarilyUnavailable:   "Temporarily Unavailable",
	StatusCallTransactionDoesNotExists: "Call/Transaction Does Not Exist",
	StatusLoopDetected:             "Loop Detected",
	StatusTooManyHops:              "Too Many Hops",
	StatusAddressIncomplete:        "Address Incomplete",
	StatusAmbiguous:                "Ambiguous",
	StatusBusyHere:                 "Busy Here",
	StatusRequestTerminated:        "Request Terminated",
	StatusNotAcceptableHere:        "Not Acceptable Here",
	StatusBadEvent:                 "Bad Event",
	StatusRequestPending:           "Request Pending",
	StatusUndecipherable:           "Undecipherable",
	StatusSecurityAgreementRequired: "Security Agreement Required",
	StatusInternalServerError:      "Internal Server Error",
	StatusNotImplemented:           "Not Implemented",
	StatusBadGateway:               "Bad Gateway",
	StatusServiceUnavailable:       "Service Unavailable",
	StatusServerTimeout:            "Server Time-out",
	StatusVersionNotSupported:      "Version Not Supported",
	StatusMessageTooLarge:          "Message Too Large",
	StatusPreconditionFailure:      "Precondition Failure",
	StatusBusyEverywhere:           "Busy Everywhere",
	StatusDecline:                  "Decline",
	StatusDoesNotExistAnywhere:     "Does Not Exist Anywhere",
	StatusNotAcceptableGlobal:      "Not Acceptable",
	StatusUnwanted:                 "Unwanted",
	StatusRejected:                 "Rejected",
}

// StatusText returns the standard reason phrase for code, or an empty
// string if the code is not one of the registered ones.
func StatusText(code StatusCode) string {
	return statusReasonPhrases[code]
}
