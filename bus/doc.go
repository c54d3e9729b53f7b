// Package bus provides the in-memory event bus implementation used to carry
// task results and agent heartbeats between components.
//
// The bus delivers at-least-once with consumer groups: every group receives
// each event published after it subscribed, events sharing a partition key
// are delivered FIFO within a group, and events negatively acknowledged
// beyond the redelivery ceiling are moved to the topic's dead-letter topic.
package bus
