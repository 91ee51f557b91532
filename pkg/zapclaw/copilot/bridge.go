package copilot

import (
	"context"

	"github.com/jholhewres/zapclaw/pkg/zapclaw/channels/whatsapp"
)

// linkObserver republishes WhatsApp connection changes on the bus.
type linkObserver struct {
	events *Events
}

func (o linkObserver) OnConnectionChange(evt whatsapp.ConnectionEvent) {
	status := StatusEvent{
		State:    string(evt.State),
		Previous: string(evt.Previous),
		Reason:   evt.Reason,
		Ready:    evt.State == whatsapp.StateOpen,
		At:       evt.Timestamp,
	}
	o.events.EmitStatus(status)
	if evt.State == whatsapp.StateClosed && evt.Previous == whatsapp.StateOpen {
		o.events.EmitDisconnected(status)
	}
}

// BridgeWhatsApp forwards connection changes and QR codes from wa to the
// assistant's bus and routes inbound messages to it. QR forwarding stops
// when ctx is done.
func (a *Assistant) BridgeWhatsApp(ctx context.Context, wa *whatsapp.WhatsApp) {
	wa.SetMessageHandler(a.HandleMessage)
	wa.AddConnectionObserver(linkObserver{events: a.events})

	qr, unsubscribe := wa.SubscribeQR()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-qr:
				if !ok {
					return
				}
				a.events.EmitQR(evt)
			}
		}
	}()
}
