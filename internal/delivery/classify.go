package delivery

import "strings"

// Classify maps a raw transport reply onto a Result.
//
//	no reply (connection failure)  -> ServerNotFound
//	2xx                            -> Success
//	4xx                            -> TemporaryError
//	5xx unknown/invalid recipient  -> MailboxNotExists
//	anything else                  -> UnknownError
//
// A 5xx reply counts as an unknown recipient when its enhanced status code is
// in the 5.1.x addressing class, or when it carries no enhanced code and the
// basic code is 550, 551 or 553.
func Classify(r Reply) Result {
	switch {
	case r.Code == 0:
		return ServerNotFound
	case r.Code >= 200 && r.Code < 300:
		return Success
	case r.Code >= 400 && r.Code < 500:
		return TemporaryError
	case r.Code >= 500 && r.Code < 600:
		if unknownRecipient(r) {
			return MailboxNotExists
		}
		return UnknownError
	}
	return UnknownError
}

func unknownRecipient(r Reply) bool {
	if r.Enhanced != "" {
		return strings.HasPrefix(r.Enhanced, "5.1.")
	}
	switch r.Code {
	case 550, 551, 553:
		return true
	}
	return false
}
