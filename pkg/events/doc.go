// Package events provides an in-process pub/sub broker for job and room
// lifecycle events. Subscribers receive events on buffered channels; slow
// subscribers drop events rather than block publishers.
package events
