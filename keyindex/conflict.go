package keyindex

import "github.com/codership/galera-core/wsrep"

// conflicts[incoming][existing] reports whether an incoming access of
// the row type against an existing reference of the column type is a
// potential conflict (requiring the seqno/source visibility check)
// rather than unconditionally compatible. This is §4.1's conflict
// matrix, transcribed directly:
//
//	            SHARED REFERENCE UPDATE EXCLUSIVE
//	SHARED         -       -       -        C
//	REFERENCE      -       -       C        C
//	UPDATE         -       C       C        C
//	EXCLUSIVE      C       C       C        C
var conflicts = [wsrep.AccessTypeCount][wsrep.AccessTypeCount]bool{
	wsrep.Shared:    {wsrep.Shared: false, wsrep.Reference: false, wsrep.Update: false, wsrep.Exclusive: true},
	wsrep.Reference: {wsrep.Shared: false, wsrep.Reference: false, wsrep.Update: true, wsrep.Exclusive: true},
	wsrep.Update:    {wsrep.Shared: false, wsrep.Reference: true, wsrep.Update: true, wsrep.Exclusive: true},
	wsrep.Exclusive: {wsrep.Shared: true, wsrep.Reference: true, wsrep.Update: true, wsrep.Exclusive: true},
}

// Conflicts reports whether an incoming access of type `incoming`
// potentially conflicts with an existing reference of type `existing`.
func Conflicts(incoming, existing wsrep.AccessType) bool {
	return conflicts[incoming][existing]
}
