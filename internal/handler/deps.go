package handler

import (
	"context"

	"telecare/internal/app/appt"
	"telecare/internal/app/session"
	"telecare/internal/configs"
)

// AppointmentSource is the slice of the appointment store the handlers
// consult for authorization and fallback links.
type AppointmentSource interface {
	GetAppointment(ctx context.Context, id string) (appt.Appointment, error)
}

// AppDeps bundles the dependencies shared by all handlers.
type AppDeps struct {
	Registry     *session.Registry
	Config       *configs.AppConfig
	Appointments AppointmentSource
}
