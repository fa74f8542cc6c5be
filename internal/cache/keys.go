package cache

import "fmt"

// Fixed cache key layout (spec §6). Unlike the teacher's tenant-namespaced
// `fluxforge:tenants:{tenantID}:{resource}:{id}` scheme, Skalds has no
// tenancy concept, so these are process-wide fixed names/prefixes.
const (
	KeySkaldsHash     = "skalds:hash"
	KeySkaldsModeHash = "skalds:mode:hash"
)

func KeySkaldHeartbeat(id string) string      { return fmt.Sprintf("skalds:%s:heartbeat", id) }
func KeySkaldAllowedClasses(id string) string { return fmt.Sprintf("skalds:%s:allow-task-class-name", id) }
func KeySkaldAllTasks(id string) string       { return fmt.Sprintf("skalds:%s:all-task", id) }

func KeyTaskHeartbeat(id string) string { return fmt.Sprintf("task:%s:heartbeat", id) }
func KeyTaskHasError(id string) string  { return fmt.Sprintf("task:%s:has-error", id) }
func KeyTaskException(id string) string { return fmt.Sprintf("task:%s:exception", id) }
