package redis

import "strconv"

// Redis key naming conventions for dispatch data. Keys are built inside
// the Lua scripts from the same prefix; the layout below must match.
//
//	{prefix}job:{id}                     Hash    job fields
//	{prefix}jobs                         ZSet    every job, scored by created_at
//	{prefix}pending:{queue}              ZSet    pending jobs, scored by run_at
//	{prefix}locked:{queue}               Set     locked jobs
//	{prefix}leases                       ZSet    locked jobs, scored by locked_until
//	{prefix}queues                       Set     queues with pending jobs
//	{prefix}dedupe:{len}:{kind}:{key}    String  id of the active job holding key
//	{prefix}cron:{entry}:{slot}          String  fired cron slot, expires
//
// The dedupe key carries the byte length of the kind, so a kind or key
// containing ':' cannot alias another (kind, key) pair.

// DefaultKeyPrefix namespaces every key. The braces are a cluster hash tag.
const DefaultKeyPrefix = "{dispatch}:"

// jobKey returns the key for a job hash.
func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }

// jobsKey is the Sorted Set of all job IDs for enumeration.
func (s *Store) jobsKey() string { return s.prefix + "jobs" }

// cronSlotKey marks the firing of a cron entry at a slot (unix seconds).
func (s *Store) cronSlotKey(entry string, slot int64) string {
	return s.prefix + "cron:" + entry + ":" + strconv.FormatInt(slot, 10)
}
