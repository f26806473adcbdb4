package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodsign/monday"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
)

// Customer-facing texts. Replies never carry error details.
const (
	replyAskName       = "¡Hola! Soy el asistente de citas de %s. Antes de empezar, ¿cómo te llamas?"
	replyNameInvalid   = "No logré entender tu nombre. ¿Me lo escribes de nuevo? (mínimo %d letras)"
	replyAskEmail      = "Gracias, %s. ¿Cuál es tu correo electrónico? Lo usaremos para enviarte la invitación de tus citas."
	replyEmailInvalid  = "Ese correo no parece válido. ¿Puedes revisarlo y enviarlo otra vez?"
	replyWelcome       = "¡Listo, %s! Ya puedes agendar, consultar, cancelar o mover tus citas. ¿En qué te ayudo?"
	replyNameRepair    = "Necesito confirmar tu nombre antes de continuar. ¿Cómo te llamas?"
	replyReset         = "Listo, borré tus datos y tus citas. Escríbeme cuando quieras para empezar de nuevo."
	replyAskDate       = "¿Para qué día y hora quieres la cita? Por ejemplo: \"mañana a las 3 pm\"."
	replyPastDate      = "Esa fecha ya pasó. ¿Para qué día y hora futura quieres la cita?"
	replySlotTaken     = "Ese horario (%s) ya está ocupado. ¿Te sirve otra hora?"
	replySlotBusy      = "Alguien más está reservando ese horario en este momento. ¿Probamos con otra hora?"
	replyTransient     = "Tuvimos un problema técnico momentáneo. Por favor intenta de nuevo en unos minutos."
	replyBooked        = "¡Cita confirmada, %s! Te esperamos el %s."
	replyNoUpcoming    = "No tienes citas próximas agendadas."
	replyUpcomingHead  = "Tus próximas citas:"
	replyNothingCancel = "No tienes ninguna cita próxima para cancelar."
	replyCancelled     = "Cancelé tu cita del %s."
	replyNothingToMove = "No tienes ninguna cita próxima para mover. ¿Quieres agendar una nueva?"
	replyRescheduled   = "Listo, moví tu cita del %s al %s."
)

const dateLayout = "Monday 2 de January de 2006 a las 15:04"

// Formatter renders instants for customers in the business timezone and locale.
type Formatter struct {
	loc    *time.Location
	locale monday.Locale
}

func NewFormatter(loc *time.Location, locale string) Formatter {
	if loc == nil {
		loc = time.UTC
	}
	l := monday.Locale(locale)
	if !isSupportedLocale(l) {
		l = monday.LocaleEsES
	}
	return Formatter{loc: loc, locale: l}
}

// Date formats t like "martes 10 de marzo de 2026 a las 10:00".
func (f Formatter) Date(t time.Time) string {
	return monday.Format(t.In(f.loc), dateLayout, f.locale)
}

// Upcoming renders a numbered list of appointments.
func (f Formatter) Upcoming(appts []model.Appointment) string {
	if len(appts) == 0 {
		return replyNoUpcoming
	}
	var b strings.Builder
	b.WriteString(replyUpcomingHead)
	for i, a := range appts {
		fmt.Fprintf(&b, "\n%d. %s", i+1, f.Date(a.StartTime))
	}
	return b.String()
}

func isSupportedLocale(l monday.Locale) bool {
	for _, supported := range monday.ListLocales() {
		if supported == l {
			return true
		}
	}
	return false
}
