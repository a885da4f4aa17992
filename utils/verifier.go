package utils

import (
	"fmt"
	"strings"

	"github.com/badoux/checkmail"
)

// Recipient statuses returned by VerifyRecipient.
const (
	RecipientValid      = "valid"
	RecipientInvalid    = "invalid"
	RecipientDisposable = "disposable"
)

var (
	// Common email typos
	commonTypos = map[string]string{
		"gmai.com":   "gmail.com",
		"gmal.com":   "gmail.com",
		"gmail.co":   "gmail.com",
		"gmail.fe":   "gmail.com",
		"yaho.com":   "yahoo.com",
		"yahoo.fe":   "yahoo.fr",
		"hotmai.com": "hotmail.com",
		"hotmail.fe": "hotmail.fr",
		"outlok.com": "outlook.com",
		"ornage.fr":  "orange.fr",
		"orange.fe":  "orange.fr",
		"wanadoo.fe": "wanadoo.fr",
		"laposte.ne": "laposte.net",
		"free.fe":    "free.fr",
		"sfr.fe":     "sfr.fr",
		"icloud.co":  "icloud.com",
		"live.fe":    "live.fr",
		"outlook.fe": "outlook.fr",
		"bbox.fe":    "bbox.fr",
		"neuf.fe":    "neuf.fr",
	}

	disposableDomains = loadDisposableDomains()
)

// VerifyRecipient runs the offline checks done before a newsletter send:
// syntax, well-known domain typos and throwaway mailboxes. No DNS or SMTP
// probing is done.
func VerifyRecipient(email string) (status, details string) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := checkmail.ValidateFormat(email); err != nil {
		return RecipientInvalid, "Invalid email format: " + err.Error()
	}

	localPart, domain, _ := strings.Cut(email, "@")
	if suggested, ok := commonTypos[domain]; ok {
		return RecipientInvalid, fmt.Sprintf("Possible typo, did you mean %s@%s?", localPart, suggested)
	}
	if disposableDomains[domain] {
		return RecipientDisposable, "Disposable email domain"
	}
	return RecipientValid, ""
}

func loadDisposableDomains() map[string]bool {
	domains := make(map[string]bool)
	for _, d := range strings.Split(disposableDomainList, "\n") {
		d = strings.TrimSpace(d)
		if d != "" {
			domains[d] = true
		}
	}
	return domains
}

const disposableDomainList = `
mailinator.com
tempmail.org
10minutemail.com
guerrillamail.com
trashmail.com
temp-mail.org
yopmail.com
yopmail.fr
yopmail.net
jetable.org
jetable.fr.nf
maildrop.cc
dispostable.com
fakeinbox.com
throwawaymail.com
mailnesia.com
getairmail.com
mytemp.email
temp-mail.io
tempomail.fr
tempinbox.com
trashmail.net
spambox.us
sharklasers.com
mailcatch.com
`
