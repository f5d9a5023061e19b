// Package challenge detects bot-verification interstitials on a page and maps
// the configured CAPTCHA strategy to a wait budget. It never tries to solve a
// challenge.
package challenge
