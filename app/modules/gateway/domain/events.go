package gatewaydomain

// Server→client dispatch event names.
const (
	EventReady                   = "READY"
	EventPresenceUpdate          = "PRESENCE_UPDATE"
	EventPresenceSyncRequest     = "PRESENCE_SYNC_REQUEST"
	EventDMMessageCreate         = "DM_MESSAGE_CREATE"
	EventCallSignalCreate        = "CALL_SIGNAL_CREATE"
	EventMessageCreate           = "MESSAGE_CREATE"
	EventChannelCreate           = "CHANNEL_CREATE"
	EventChannelUpdate           = "CHANNEL_UPDATE"
	EventChannelDelete           = "CHANNEL_DELETE"
	EventChannelOverwriteUpdate  = "CHANNEL_OVERWRITE_UPDATE"
	EventChannelOverwriteDelete  = "CHANNEL_OVERWRITE_DELETE"
	EventRoleCreate              = "ROLE_CREATE"
	EventRoleUpdate              = "ROLE_UPDATE"
	EventRoleDelete              = "ROLE_DELETE"
	EventGuildMemberUpdate       = "GUILD_MEMBER_UPDATE"
	EventGuildMemberKick         = "GUILD_MEMBER_KICK"
	EventGuildMemberBan          = "GUILD_MEMBER_BAN"
	EventVoiceStateUpdate        = "VOICE_STATE_UPDATE"
	EventVoiceStateRemove        = "VOICE_STATE_REMOVE"
	EventVoiceJoined             = "VOICE_JOINED"
	EventVoiceLeft               = "VOICE_LEFT"
	EventVoiceError              = "VOICE_ERROR"
	EventVoiceNewProducer        = "VOICE_NEW_PRODUCER"
	EventVoiceTransportCreated   = "VOICE_TRANSPORT_CREATED"
	EventVoiceTransportConnected = "VOICE_TRANSPORT_CONNECTED"
	EventVoiceProduced           = "VOICE_PRODUCED"
	EventVoiceConsumed           = "VOICE_CONSUMED"
)

// Client→server dispatch command names. PRESENCE_UPDATE is shared: clients
// send it to set status (and answer sync probes), the server dispatches it
// to announce other users' status.
const (
	CmdSubscribeGuild        = "SUBSCRIBE_GUILD"
	CmdSubscribeChannel      = "SUBSCRIBE_CHANNEL"
	CmdVoiceJoin             = "VOICE_JOIN"
	CmdVoiceLeave            = "VOICE_LEAVE"
	CmdVoiceCreateTransport  = "VOICE_CREATE_TRANSPORT"
	CmdVoiceConnectTransport = "VOICE_CONNECT_TRANSPORT"
	CmdVoiceProduce          = "VOICE_PRODUCE"
	CmdVoiceConsume          = "VOICE_CONSUME"
	CmdVoiceResumeConsumer   = "VOICE_RESUME_CONSUMER"
)

// Gateway close codes. 4408 and 4409 are distinct so operators can tell a
// silent socket from one that ignored a sync probe.
const (
	CloseHeartbeatTimeout = 4408
	CloseSyncTimeout      = 4409
	CloseProtocolError    = 4400
	CloseAuthFailed       = 4401
	CloseDeviceReplaced   = 4402
)
