package store

import "fmt"

// Key namespaces. Numeric components are zero-padded to fixed width so that
// byte order equals numeric order and prefix iteration walks events in
// created_at order.
//
//	event:<id>                                  -> JSON record
//	created:<created_at>:<id>                   -> ""
//	author:<pubkey>:<created_at>:<id>           -> ""
//	kind:<kind>:<created_at>:<id>               -> ""
//	tag:<name>:<value>:<id>                     -> ""
//	repl:<pubkey>:<kind>:<d-tag>                -> current event id
//	del:<deletion_event_id>:<deleted_event_id>  -> JSON audit record
//	meta:<key>                                  -> value
const (
	prefixEvent   = "event:"
	prefixCreated = "created:"
	prefixAuthor  = "author:"
	prefixKind    = "kind:"
	prefixTag     = "tag:"
	prefixRepl    = "repl:"
	prefixDel     = "del:"
	prefixMeta    = "meta:"
)

func eventKey(id string) []byte {
	return []byte(prefixEvent + id)
}

func createdKey(createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixCreated, createdAt, id))
}

func authorKey(pubkey string, createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixAuthor, pubkey, createdAt, id))
}

func kindKey(kind int, createdAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%010d:%020d:%s", prefixKind, kind, createdAt, id))
}

func tagKey(name, value, id string) []byte {
	return []byte(prefixTag + name + ":" + value + ":" + id)
}

// replKey is the replaceable-event index key. Ordinary replaceable kinds
// use an empty d-tag component.
func replKey(pubkey string, kind int, dTag string) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d:%s", prefixRepl, pubkey, kind, dTag))
}

func deletionKey(deletionEventID, deletedEventID string) []byte {
	return []byte(prefixDel + deletionEventID + ":" + deletedEventID)
}

func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

// prefixUpperBound returns the smallest key greater than every key that
// starts with prefix, for use as an iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
