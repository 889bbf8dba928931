package busobj

import (
	"github.com/ouni3233/alljoyn-core/pkg/endpoint"
	"github.com/ouni3233/alljoyn-core/pkg/message"
	"github.com/ouni3233/alljoyn-core/pkg/nametable"
	"github.com/ouni3233/alljoyn-core/pkg/router"
)

// Name service object identity.
const (
	DBusObjectPath    = "/org/freedesktop/DBus"
	DBusInterfaceName = "org.freedesktop.DBus"
)

// SigNameOwnerChanged announces local alias ownership transfers.
const SigNameOwnerChanged = "NameOwnerChanged"

// DBusObj is the name service control object: it answers name ownership
// requests issued by local endpoints.
type DBusObj struct {
	rtr *router.Router
}

// NewDBusObj creates the name service object over the router's table.
func NewDBusObj(rtr *router.Router) *DBusObj {
	return &DBusObj{rtr: rtr}
}

// HandleMessage processes a method call addressed to the name service
// object. It reports whether the message was consumed.
func (d *DBusObj) HandleMessage(src *endpoint.StreamEndpoint, m *message.Message) bool {
	if m.Type != message.TypeMethodCall || m.Fields.Destination != DBusInterfaceName ||
		m.Fields.Interface != DBusInterfaceName {
		return false
	}
	d.handleMethodCall(src, m)
	return true
}

func (d *DBusObj) handleMethodCall(src *endpoint.StreamEndpoint, m *message.Message) {
	table := d.rtr.Table()
	caller := src.UniqueName()

	switch m.Fields.Member {
	case "Hello":
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), caller))

	case "RequestName":
		name, ok1 := m.ArgString(0)
		flags, ok2 := m.ArgUint32(1)
		if !ok1 || !ok2 {
			d.replyInvalidArgs(src, m)
			return
		}
		code, err := table.RequestName(name, caller, flags)
		if err != nil {
			d.reply(src, message.NewErrorReply(m, d.rtr.NextSerial(), message.ErrorInvalidArgs, err.Error()))
			return
		}
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), code))

	case "ReleaseName":
		name, ok := m.ArgString(0)
		if !ok {
			d.replyInvalidArgs(src, m)
			return
		}
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), table.ReleaseName(name, caller)))

	case "GetNameOwner":
		name, ok := m.ArgString(0)
		if !ok {
			d.replyInvalidArgs(src, m)
			return
		}
		owner := table.Owner(name)
		if owner == "" {
			d.reply(src, message.NewErrorReply(m, d.rtr.NextSerial(), message.ErrorNameUnknown,
				"name has no owner: "+name))
			return
		}
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), owner))

	case "NameHasOwner":
		name, ok := m.ArgString(0)
		if !ok {
			d.replyInvalidArgs(src, m)
			return
		}
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), table.Owner(name) != ""))

	case "ListNames":
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), table.ListNames()))

	case "ListQueuedOwners":
		name, ok := m.ArgString(0)
		if !ok || !nametable.ValidAlias(name) {
			d.replyInvalidArgs(src, m)
			return
		}
		d.reply(src, message.NewMethodReply(m, d.rtr.NextSerial(), table.ListQueued(name)))

	default:
		d.reply(src, message.NewErrorReply(m, d.rtr.NextSerial(), message.ErrorInvalidArgs,
			"unknown method "+m.Fields.Member))
	}
}

func (d *DBusObj) reply(src *endpoint.StreamEndpoint, reply *message.Message) {
	reply.Fields.Sender = router.BusName
	if err := src.Enqueue(reply); err != nil {
		log.Debugf("reply to %s dropped: %v", src.UniqueName(), err)
	}
}

func (d *DBusObj) replyInvalidArgs(src *endpoint.StreamEndpoint, m *message.Message) {
	d.reply(src, message.NewErrorReply(m, d.rtr.NextSerial(), message.ErrorInvalidArgs,
		"bad arguments to "+m.Fields.Member))
}
