package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/hrlink/internal/device"
)

// toAdvertisement converts a go-ble advertisement into the transport-neutral form
func toAdvertisement(adv ble.Advertisement) device.Advertisement {
	services := adv.Services()
	uuids := make([]string, 0, len(services))
	for _, svc := range services {
		uuids = append(uuids, device.NormalizeUUID(svc.String()))
	}

	var address string
	if addr := adv.Addr(); addr != nil {
		address = addr.String()
	}

	return device.Advertisement{
		Address:     address,
		LocalName:   adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    uuids,
	}
}
