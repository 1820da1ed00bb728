package model

import "worldkeep.dev/internal/persist"

// Wire identity of each entity kind. IDs and names are frozen forever;
// bump a version when one of its layers gains fields.
const (
	TypeItem      = "item"
	TypeContainer = "container"
	TypeMobile    = "mobile"
	TypePlayer    = "player"
)

const (
	itemTypeID      = 1
	containerTypeID = 2
	mobileTypeID    = 3
	playerTypeID    = 4

	itemVersion      = 2
	containerVersion = 2
	mobileVersion    = 3
	playerVersion    = 3
)

// RegisterTypes installs every entity kind into reg.
func RegisterTypes(reg *persist.Registry) error {
	types := []persist.Type{
		{
			ID:      itemTypeID,
			Name:    TypeItem,
			Version: itemVersion,
			New:     func(s persist.Serial) persist.Entity { return &Item{Object: Object{serial: s}} },
			Layers:  []persist.Layer{objectLayer(itemVersion), itemLayer(itemVersion)},
		},
		{
			ID:      containerTypeID,
			Name:    TypeContainer,
			Version: containerVersion,
			New:     func(s persist.Serial) persist.Entity { return &Container{Item: Item{Object: Object{serial: s}}} },
			Layers:  []persist.Layer{objectLayer(containerVersion), itemLayer(containerVersion), containerLayer(containerVersion)},
		},
		{
			ID:      mobileTypeID,
			Name:    TypeMobile,
			Version: mobileVersion,
			New:     func(s persist.Serial) persist.Entity { return &Mobile{Object: Object{serial: s}} },
			Layers:  []persist.Layer{objectLayer(mobileVersion), mobileLayer(mobileVersion)},
		},
		{
			ID:      playerTypeID,
			Name:    TypePlayer,
			Version: playerVersion,
			New:     func(s persist.Serial) persist.Entity { return &Player{Mobile: Mobile{Object: Object{serial: s}}} },
			Layers:  []persist.Layer{objectLayer(playerVersion), mobileLayer(playerVersion), playerLayer(playerVersion)},
		},
	}
	for _, t := range types {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
