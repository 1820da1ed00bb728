// Package model defines the persistent entity kinds of a shard and the
// wire layers that carry them.
package model

import (
	"time"

	"worldkeep.dev/internal/codec"
	"worldkeep.dev/internal/persist"
)

// Object carries the fields every entity kind shares.
type Object struct {
	serial  persist.Serial
	Name    string
	Created time.Time
}

func (o *Object) Serial() persist.Serial { return o.serial }

func (o *Object) object() *Object { return o }

type hasObject interface{ object() *Object }

// refSerial flattens an entity reference for the wire. Nil writes as None.
func refSerial(e persist.Entity) uint32 {
	if e == nil {
		return uint32(persist.None)
	}
	return uint32(e.Serial())
}

func objectLayer(ver uint32) persist.Layer {
	return persist.Layer{
		Name: "object",
		Write: func(e persist.Entity, w *codec.Writer) {
			o := e.(hasObject).object()
			w.String(o.Name)
			w.Time(o.Created)
		},
		Reads: []persist.Migration{{
			From: 1, To: ver,
			Read: func(e persist.Entity, r *codec.Reader, _ *persist.Resolver) error {
				o := e.(hasObject).object()
				var err error
				if o.Name, err = r.String(); err != nil {
					return err
				}
				o.Created, err = r.Time()
				return err
			},
		}},
	}
}
