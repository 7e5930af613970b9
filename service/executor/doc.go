// Package executor defines the contract of the external task executor: given
// a work item it asynchronously produces either a success payload plus elapsed
// time or an error. Implementations live in host applications; the runtime
// treats them as opaque collaborators with no visible side effects.
package executor
