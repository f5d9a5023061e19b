// Package crawler holds the domain types shared by the answer-engine crawler:
// crawl tasks and their state machine, crawl results with citations, the queue
// payload, and the small interfaces the executor and issuer are wired with.
package crawler
