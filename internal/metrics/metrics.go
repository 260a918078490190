package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_session_state",
			Help: "FSM state per peer (0=idle .. 5=established).",
		},
		[]string{"peer"},
	)

	SessionEstablishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_session_established_total",
			Help: "Sessions reaching Established.",
		},
		[]string{"peer"},
	)

	FSMTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_fsm_transitions_total",
			Help: "FSM state transitions.",
		},
		[]string{"peer", "state"},
	)

	ConnectFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_connect_failures_total",
			Help: "Outbound connect attempts that failed.",
		},
		[]string{"peer"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_messages_total",
			Help: "BGP messages by type and direction.",
		},
		[]string{"peer", "type", "direction"},
	)

	UpdatesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_updates_sent_total",
			Help: "NLRIs sent (announces plus withdraws).",
		},
		[]string{"peer"},
	)

	UpdatesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_updates_received_total",
			Help: "NLRIs received (announces plus withdraws).",
		},
		[]string{"peer"},
	)

	TreatAsWithdrawTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_treat_as_withdraw_total",
			Help: "UPDATEs demoted to withdraws per RFC 7606.",
		},
		[]string{"peer"},
	)

	PackErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_pack_errors_total",
			Help: "Updates that could not be packed (oversized attributes).",
		},
		[]string{"peer"},
	)

	APICommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_api_commands_total",
			Help: "Control channel commands by name and result.",
		},
		[]string{"command", "result"},
	)

	ProcessRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_process_restarts_total",
			Help: "Helper process restarts.",
		},
		[]string{"process"},
	)

	ExportedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_exported_events_total",
			Help: "Events published to the export sink.",
		},
		[]string{"type", "result"},
	)
)

func Register() {
	prometheus.MustRegister(
		SessionState,
		SessionEstablishedTotal,
		FSMTransitionsTotal,
		ConnectFailuresTotal,
		MessagesTotal,
		UpdatesSentTotal,
		UpdatesReceivedTotal,
		TreatAsWithdrawTotal,
		PackErrorsTotal,
		APICommandsTotal,
		ProcessRestartsTotal,
		ExportedEventsTotal,
	)
}
