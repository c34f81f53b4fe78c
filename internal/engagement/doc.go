// Package engagement records what subscribers do with a delivered drip and
// answers the read-only rate queries built on those facts.
//
// A fact (open, click, spam, unsubscribe) is attached to the SendIntent of
// the (drip, subscriber) pair and exists at most once per kind. Tracking
// links carry a signed token derived from the subscriber's email so that
// ids in a URL cannot be forged into facts for someone else.
package engagement
